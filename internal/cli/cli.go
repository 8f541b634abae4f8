package cli

import (
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

const defaultServer = "http://localhost:8080"

var (
	serverURL string
	timeout   time.Duration
)

// NewRootCommand 创建 sendctl 根命令
func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "sendctl",
		Short: "scambait 操作员命令行工具",
		Long: `sendctl 通过控制 API 操作正在运行的 scambait 服务。

使用示例：
  sendctl start-conversation --sender bad.guy@example.com --subject "Inheritance"
  sendctl send-first-email --sender target@example.com --subject "Hello" --body "..."
  sendctl status`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	server := os.Getenv("SCAMBAIT_CONTROL_URL")
	if server == "" {
		server = defaultServer
	}
	root.PersistentFlags().StringVar(&serverURL, "server", server, "控制 API 地址（环境变量 SCAMBAIT_CONTROL_URL）")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 60*time.Second, "请求超时")

	root.AddCommand(newStartConversationCmd())
	root.AddCommand(newSendFirstEmailCmd())
	root.AddCommand(newStatusCmd())
	return root
}

// Execute 运行命令行，出错时以非零状态退出
func Execute() {
	if err := NewRootCommand().Execute(); err != nil {
		color.Red("错误: %v\n", err)
		os.Exit(1)
	}
}

func client() *Client {
	return NewClient(serverURL, timeout)
}

func newStartConversationCmd() *cobra.Command {
	var sender, subject string
	cmd := &cobra.Command{
		Use:   "start-conversation",
		Short: "回复对方已发来的邮件并开始会话",
		RunE: func(cmd *cobra.Command, args []string) error {
			started, err := client().StartConversation(cmd.Context(), sender, subject)
			if err != nil {
				return err
			}
			return report(cmd.OutOrStdout(), "会话已建立", started)
		},
	}
	cmd.Flags().StringVar(&sender, "sender", "", "对方邮箱地址")
	cmd.Flags().StringVar(&subject, "subject", "", "对方邮件主题")
	_ = cmd.MarkFlagRequired("sender")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

func newSendFirstEmailCmd() *cobra.Command {
	var sender, subject, body, bodyFile string
	cmd := &cobra.Command{
		Use:   "send-first-email",
		Short: "主动发出首封邮件并开始会话",
		RunE: func(cmd *cobra.Command, args []string) error {
			if bodyFile != "" {
				data, err := os.ReadFile(bodyFile)
				if err != nil {
					return fmt.Errorf("读取正文文件失败: %w", err)
				}
				body = string(data)
			}
			if body == "" {
				return fmt.Errorf("需要 --body 或 --body-file")
			}
			started, err := client().SendFirstEmail(cmd.Context(), sender, subject, body)
			if err != nil {
				return err
			}
			return report(cmd.OutOrStdout(), "邮件已发送", started)
		},
	}
	cmd.Flags().StringVar(&sender, "sender", "", "收件人邮箱地址")
	cmd.Flags().StringVar(&subject, "subject", "", "邮件主题")
	cmd.Flags().StringVar(&body, "body", "", "邮件正文")
	cmd.Flags().StringVar(&bodyFile, "body-file", "", "从文件读取邮件正文")
	_ = cmd.MarkFlagRequired("sender")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "显示会话、队列与循环状态",
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := client().Status(cmd.Context())
			if err != nil {
				return err
			}
			printStatus(cmd.OutOrStdout(), status)
			return nil
		},
	}
}

// report 打印结果，服务端报告失败时返回错误
func report(w io.Writer, title string, s *Started) error {
	if s.Failed() {
		return fmt.Errorf("操作失败: %s", s.Reason)
	}
	printStarted(w, title, s)
	return nil
}

func printStarted(w io.Writer, title string, s *Started) {
	green := color.New(color.FgGreen)
	cyan := color.New(color.FgCyan)

	green.Fprintf(w, "✓ %s\n", title)
	cyan.Fprint(w, "  会话:   ")
	fmt.Fprintln(w, s.ConversationID)
	cyan.Fprint(w, "  对方:   ")
	fmt.Fprintln(w, s.Sender)
	if s.EmailID != "" {
		cyan.Fprint(w, "  邮件ID: ")
		fmt.Fprintln(w, s.EmailID)
	}
}

func printStatus(w io.Writer, s *Status) {
	cyan := color.New(color.FgCyan)
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	cyan.Fprint(w, "  循环:       ")
	if s.Running {
		green.Fprintln(w, "running")
	} else {
		yellow.Fprintln(w, "stopped")
	}
	cyan.Fprint(w, "  会话数:     ")
	fmt.Fprintf(w, "%d（%d 个有交互，共 %d 次）\n", s.Conversations, s.ConversationsWithTouches, s.Interactions)
	cyan.Fprint(w, "  队列深度:   ")
	fmt.Fprintln(w, s.QueueDepth)
	cyan.Fprint(w, "  下次回复:   ")
	if s.NextResponseAt != nil {
		fmt.Fprintln(w, s.NextResponseAt.Local().Format(time.RFC3339))
	} else {
		fmt.Fprintln(w, "-")
	}

	if len(s.Loops) == 0 {
		return
	}
	fmt.Fprintln(w)
	names := make([]string, 0, len(s.Loops))
	for name := range s.Loops {
		names = append(names, name)
	}
	sort.Strings(names)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "LOOP\tRUNS\tPROCESSED\tLAST RUN\tLAST ERROR")
	for _, name := range names {
		loop := s.Loops[name]
		last := "-"
		if !loop.LastRun.IsZero() {
			last = loop.LastRun.Local().Format(time.RFC3339)
		}
		errText := loop.LastError
		if errText == "" {
			errText = "-"
		}
		fmt.Fprintf(tw, "%s\t%d\t%d\t%s\t%s\n", name, loop.Runs, loop.Processed, last, errText)
	}
	_ = tw.Flush()
}
