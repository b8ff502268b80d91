package provider

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// CLIProvider shells out to a local LLM command line tool, passing the
// conversation as a single prompt argument.
type CLIProvider struct {
	binaryPath string
	args       []string
}

func NewCLIProvider(binaryPath string, args []string) (*CLIProvider, error) {
	if binaryPath == "" {
		return nil, fmt.Errorf("binary path is required for CLI provider")
	}
	return &CLIProvider{
		binaryPath: binaryPath,
		args:       args,
	}, nil
}

func (p *CLIProvider) Name() string {
	return "cli-" + p.binaryPath
}

func (p *CLIProvider) Chat(ctx context.Context, messages []Message) (*Response, error) {
	fullArgs := append(append([]string{}, p.args...), flatten(messages))

	execCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	cmd := exec.CommandContext(execCtx, p.binaryPath, fullArgs...)

	output, err := cmd.CombinedOutput()
	result := strings.TrimSpace(string(output))

	if err != nil {
		if execCtx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("cli agent timed out: %w", err)
		}
		return nil, fmt.Errorf("cli agent failed: %w\nOutput: %s", err, result)
	}

	return &Response{
		Content: result,
		Usage: Usage{
			TotalTokens: len(strings.Fields(result)),
		},
	}, nil
}

// flatten renders a conversation as one prompt. System text comes first,
// prior turns are labelled, the final message is left bare.
func flatten(messages []Message) string {
	if len(messages) == 1 {
		return messages[0].Content
	}
	var b strings.Builder
	for i, m := range messages {
		if i == len(messages)-1 {
			b.WriteString(m.Content)
			break
		}
		fmt.Fprintf(&b, "[%s] %s\n\n", m.Role, m.Content)
	}
	return b.String()
}
