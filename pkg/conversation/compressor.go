package conversation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/harun/orbit/pkg/llm"
	"github.com/harun/orbit/pkg/session"
)

// metadataSynthetic marks items produced by compression
const metadataSynthetic = "synthetic"

const maxTranscriptBytes = 16 * 1024

// CompressionResult is the output of a compressor. Summary may be empty.
type CompressionResult struct {
	Summary string
	Items   []session.Item
}

// Compressor bounds the size of a session's item log
type Compressor interface {
	ShouldCompress(itemCount int) bool
	CompressItems(ctx context.Context, items []session.Item) (CompressionResult, error)
}

// RecentWindowCompressor keeps the leading system messages and the most recent
// KeepRecent items once the log grows past Threshold
type RecentWindowCompressor struct {
	Threshold  int
	KeepRecent int
}

// NewRecentWindowCompressor creates a window compressor
func NewRecentWindowCompressor(threshold, keepRecent int) *RecentWindowCompressor {
	return &RecentWindowCompressor{Threshold: threshold, KeepRecent: keepRecent}
}

func (c *RecentWindowCompressor) ShouldCompress(itemCount int) bool {
	return c.Threshold > 0 && itemCount > c.Threshold
}

func (c *RecentWindowCompressor) CompressItems(ctx context.Context, items []session.Item) (CompressionResult, error) {
	head, dropped, recent := splitWindow(items, c.KeepRecent)
	if len(dropped) == 0 {
		return CompressionResult{Items: items}, nil
	}
	return CompressionResult{
		Summary: countSummary(len(dropped)),
		Items:   append(head, recent...),
	}, nil
}

// SummarizingCompressor asks a language model to summarize the dropped part of
// the log. When the model call fails it falls back to the item count summary.
type SummarizingCompressor struct {
	RecentWindowCompressor
	Client  llm.Client
	Model   string
	Timeout time.Duration
}

// NewSummarizingCompressor creates a model-backed compressor
func NewSummarizingCompressor(client llm.Client, threshold, keepRecent int) *SummarizingCompressor {
	return &SummarizingCompressor{
		RecentWindowCompressor: RecentWindowCompressor{Threshold: threshold, KeepRecent: keepRecent},
		Client:                 client,
		Timeout:                time.Minute,
	}
}

func (c *SummarizingCompressor) CompressItems(ctx context.Context, items []session.Item) (CompressionResult, error) {
	head, dropped, recent := splitWindow(items, c.KeepRecent)
	if len(dropped) == 0 {
		return CompressionResult{Items: items}, nil
	}

	summary := countSummary(len(dropped))
	if c.Client != nil {
		timeout := c.Timeout
		if timeout <= 0 {
			timeout = time.Minute
		}
		sctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		resp, err := c.Client.GenerateContent(sctx, llm.Request{
			Model:        c.Model,
			SystemPrompt: "Summarize the following conversation excerpt in a short paragraph. Keep facts, decisions and open tasks.",
			Items:        []session.Item{session.NewUserMessage(buildTranscript(dropped))},
		})
		if err == nil && strings.TrimSpace(resp.Content) != "" {
			summary = fmt.Sprintf("[Previous conversation summary: %s]", strings.TrimSpace(resp.Content))
		}
	}

	return CompressionResult{
		Summary: summary,
		Items:   append(head, recent...),
	}, nil
}

func countSummary(n int) string {
	return fmt.Sprintf("[Previous conversation summary: %d items exchanged]", n)
}

// splitWindow partitions items into the leading system messages, the dropped
// middle and the recent tail. Earlier synthetic summaries are dropped. The tail
// never starts with a tool result whose call was dropped.
func splitWindow(items []session.Item, keepRecent int) (head, dropped, recent []session.Item) {
	i := 0
	for ; i < len(items); i++ {
		msg, ok := items[i].(session.Message)
		if !ok || msg.Role != session.RoleSystem {
			break
		}
		if isSynthetic(msg) {
			dropped = append(dropped, msg)
			continue
		}
		head = append(head, msg)
	}

	rest := items[i:]
	if keepRecent < 0 {
		keepRecent = 0
	}
	start := len(rest) - keepRecent
	if start < 0 {
		start = 0
	}
	for start < len(rest) {
		if _, ok := rest[start].(session.ToolResult); !ok {
			break
		}
		start++
	}

	dropped = append(dropped, rest[:start]...)
	recent = append([]session.Item(nil), rest[start:]...)
	return head, dropped, recent
}

func isSynthetic(msg session.Message) bool {
	v, ok := msg.Metadata[metadataSynthetic]
	return ok && v == "summary"
}

// summaryItem is the synthetic message that replaces compressed history
func summaryItem(summary string) session.Message {
	msg := session.NewSystemMessage(summary)
	msg.Metadata = map[string]interface{}{metadataSynthetic: "summary"}
	return msg
}

func buildTranscript(items []session.Item) string {
	var b strings.Builder
	for _, item := range items {
		switch it := item.(type) {
		case session.Message:
			if isSynthetic(it) {
				b.WriteString(it.Content + "\n")
				continue
			}
			fmt.Fprintf(&b, "[%s] %s: %s\n", it.Timestamp.Format("15:04"), it.Role, it.Content)
		case session.ToolCall:
			fmt.Fprintf(&b, "[%s] tool call %s %v\n", it.Timestamp.Format("15:04"), it.Name, it.Args)
		case session.ToolResult:
			out := it.Output
			if it.IsError() {
				out = "error: " + it.Error
			}
			fmt.Fprintf(&b, "[%s] tool result %s: %s\n", it.Timestamp.Format("15:04"), it.Name, out)
		}
		if b.Len() > maxTranscriptBytes {
			b.WriteString("\n... (truncated)\n")
			break
		}
	}
	return b.String()
}
