package agent

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/mindflora/mindflora/internal/core"
)

// Processor answers chat requests; *Agent and the HTTP client both do.
type Processor interface {
	Process(ctx context.Context, req core.AgentRequest) (*core.AgentResponse, error)
}

// ChatSession is an interactive terminal conversation for one user
type ChatSession struct {
	processor Processor
	userID    core.UserID
	turns     int
}

// NewChatSession creates a new chat session
func NewChatSession(p Processor, userID core.UserID) *ChatSession {
	return &ChatSession{processor: p, userID: userID}
}

// SendMessage sends a message and gets a response
func (s *ChatSession) SendMessage(ctx context.Context, message string) (*core.AgentResponse, error) {
	sessionType := "chat"
	if s.turns == 0 {
		sessionType = "new"
	}
	resp, err := s.processor.Process(ctx, core.AgentRequest{
		UserID:  s.userID,
		Message: message,
		Context: core.SessionContext{SessionType: sessionType, Timestamp: time.Now().UTC()},
	})
	if err != nil {
		return nil, err
	}
	s.turns++
	return resp, nil
}

// RunInteractive reads lines from in until EOF or "exit"
func (s *ChatSession) RunInteractive(ctx context.Context, in io.Reader, out io.Writer) error {
	reader := bufio.NewReader(in)

	fmt.Fprintln(out)
	fmt.Fprintln(out, "MindFlora")
	fmt.Fprintln(out, "   Type 'exit' to quit")
	fmt.Fprintln(out)

	for {
		fmt.Fprint(out, "You: ")
		input, err := reader.ReadString('\n')
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}

		switch strings.ToLower(input) {
		case "exit", "quit", "bye":
			fmt.Fprintln(out, "\nTake care!")
			return nil
		}

		resp, err := s.SendMessage(ctx, input)
		if err != nil {
			fmt.Fprintf(out, "\nError: %v\n\n", err)
			continue
		}

		fmt.Fprintf(out, "\nMindFlora: %s\n", resp.Response)
		PrintOutcomes(out, resp)
		fmt.Fprintln(out)
	}
}

// PrintOutcomes writes one line per tool result, then action items
func PrintOutcomes(out io.Writer, resp *core.AgentResponse) {
	for _, t := range core.AllTools {
		res, ok := resp.ToolActions[core.ActionNameFor(t)]
		if !ok {
			continue
		}
		line := fmt.Sprintf("  [%s] %s", t, res.Status)
		if res.Provider != "" {
			line += " via " + res.Provider
		}
		if res.Error != "" {
			line += ": " + res.Error
		}
		fmt.Fprintln(out, line)
	}
	for _, item := range resp.ActionItems {
		fmt.Fprintf(out, "  • %s: %s\n", item.Title, item.Description)
	}
	if resp.UserProfileUpdated {
		fmt.Fprintln(out, "  (profile updated)")
	}
}
