package domain

import (
	"sort"
	"time"
)

// QueueEntry 表示一封待回复的入站邮件及其计划回复时间
type QueueEntry struct {
	EmailID      string    `json:"email_id"`
	ResponseTime time.Time `json:"response_time"`
}

// Due 判断条目在 now 时刻是否到期
func (e QueueEntry) Due(now time.Time) bool {
	return !e.ResponseTime.After(now)
}

// InsertSorted 按 ResponseTime 升序插入条目，相同时间的条目排在已有条目之后
func InsertSorted(queue []QueueEntry, entry QueueEntry) []QueueEntry {
	idx := sort.Search(len(queue), func(i int) bool {
		return queue[i].ResponseTime.After(entry.ResponseTime)
	})
	queue = append(queue, QueueEntry{})
	copy(queue[idx+1:], queue[idx:])
	queue[idx] = entry
	return queue
}

// IsSorted 判断队列是否按 ResponseTime 升序排列
func IsSorted(queue []QueueEntry) bool {
	return sort.SliceIsSorted(queue, func(i, j int) bool {
		return queue[i].ResponseTime.Before(queue[j].ResponseTime)
	})
}

// SortQueue 就地稳定排序，用于修复外部写入的乱序文件
func SortQueue(queue []QueueEntry) {
	sort.SliceStable(queue, func(i, j int) bool {
		return queue[i].ResponseTime.Before(queue[j].ResponseTime)
	})
}
