package gmail

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

// persistingTokenSource 令牌刷新后写回文件
type persistingTokenSource struct {
	src     oauth2.TokenSource
	path    string
	log     *zap.Logger
	mu      sync.Mutex
	current *oauth2.Token
}

func (s *persistingTokenSource) Token() (*oauth2.Token, error) {
	t, err := s.src.Token()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil || s.current.AccessToken != t.AccessToken {
		s.current = t
		if err := saveToken(s.path, t); err != nil {
			s.log.Warn("failed to persist refreshed token", zap.Error(err))
		}
	}
	return t, nil
}

func loadToken(path string) (*oauth2.Token, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read gmail token: %w", err)
	}
	var token oauth2.Token
	if err := json.Unmarshal(data, &token); err != nil {
		return nil, fmt.Errorf("parse gmail token: %w", err)
	}
	return &token, nil
}

func saveToken(path string, token *oauth2.Token) error {
	if path == "" {
		return nil
	}
	data, err := json.Marshal(token)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
