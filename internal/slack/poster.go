package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/MikeSquared-Agency/spotlight/internal/analysis"
)

const (
	defaultPostMessageURL = "https://slack.com/api/chat.postMessage"
	topPhrases            = 5
)

// Poster posts finished analyses to a Slack channel.
type Poster struct {
	token   string
	channel string
	client  *http.Client
	logger  *slog.Logger
	apiURL  string
}

func NewPoster(token, channel string, logger *slog.Logger) *Poster {
	return &Poster{
		token:   token,
		channel: channel,
		client:  &http.Client{Timeout: 10 * time.Second},
		apiURL:  defaultPostMessageURL,
		logger:  logger,
	}
}

// Notify posts the run summary and, for completed runs, the full score list
// as a threaded reply.
func (p *Poster) Notify(ctx context.Context, run *analysis.Run) error {
	ts, err := p.PostAnalysisSummary(ctx, run)
	if err != nil {
		return err
	}
	if run.Status != analysis.StatusCompleted || len(run.Phrases) <= topPhrases {
		return nil
	}
	return p.PostThread(ctx, ts, formatScoreList(run))
}

// PostAnalysisSummary posts the headline of a run. Returns the message
// timestamp (ts) used for threading.
func (p *Poster) PostAnalysisSummary(ctx context.Context, run *analysis.Run) (string, error) {
	text := formatSummary(run)

	ts, err := p.post(ctx, map[string]any{
		"channel": p.channel,
		"text":    text,
		"blocks": []map[string]any{
			{
				"type": "section",
				"text": map[string]any{
					"type": "mrkdwn",
					"text": text,
				},
			},
			{
				"type": "context",
				"elements": []map[string]any{
					{
						"type": "mrkdwn",
						"text": fmt.Sprintf("analysis `%s`", run.ID),
					},
				},
			},
		},
	})
	if err != nil {
		return "", err
	}

	p.logger.Info("posted analysis to slack", "ts", ts, "analysis_id", run.ID.String())
	return ts, nil
}

// PostThread posts a threaded reply to a message.
func (p *Poster) PostThread(ctx context.Context, threadTS, text string) error {
	_, err := p.post(ctx, map[string]any{
		"channel":   p.channel,
		"thread_ts": threadTS,
		"text":      text,
	})
	return err
}

func (p *Poster) post(ctx context.Context, payload map[string]any) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal slack payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.apiURL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Authorization", "Bearer "+p.token)

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("slack post: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	var slackResp struct {
		OK    bool   `json:"ok"`
		TS    string `json:"ts"`
		Error string `json:"error,omitempty"`
	}
	if err := json.Unmarshal(respBody, &slackResp); err != nil {
		return "", fmt.Errorf("parse slack response: %w", err)
	}
	if !slackResp.OK {
		return "", fmt.Errorf("slack error: %s", slackResp.Error)
	}
	return slackResp.TS, nil
}

func formatSummary(run *analysis.Run) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "*Saliency analysis %s* (%s on the %s prompt, %d phrases, %d calls)\n",
		run.Status, run.Method, run.Target, len(run.Phrases), run.Calls)
	if run.Model != "" {
		fmt.Fprintf(&sb, "*Model:* %s/%s\n", run.Provider, run.Model)
	}

	if run.Status != analysis.StatusCompleted {
		fmt.Fprintf(&sb, "\n_%s_", run.Error)
		return sb.String()
	}

	norm := run.Normalized()
	order := rankPhrases(norm)
	if len(order) > topPhrases {
		order = order[:topPhrases]
	}
	sb.WriteString("\n*Most salient phrases:*\n")
	for rank, i := range order {
		fmt.Fprintf(&sb, "%d. %s  `%.2f`\n", rank+1, clip(run.Phrases[i].Text), norm[i])
	}
	if n := run.FailedCount(); n > 0 {
		fmt.Fprintf(&sb, "\n_%d probe(s) failed and were scored 0_", n)
	}
	return sb.String()
}

func formatScoreList(run *analysis.Run) string {
	var sb strings.Builder
	norm := run.Normalized()
	for i, ph := range run.Phrases {
		mark := ""
		if run.Failed[i] {
			mark = " (failed)"
		}
		fmt.Fprintf(&sb, "%d. `%.2f` %s%s\n", ph.Index, norm[i], clip(ph.Text), mark)
	}
	return sb.String()
}

// rankPhrases returns phrase indices by descending score, ties in text order.
func rankPhrases(scores []float64) []int {
	order := make([]int, len(scores))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return scores[order[a]] > scores[order[b]] })
	return order
}

func clip(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if r := []rune(s); len(r) > 120 {
		return string(r[:117]) + "..."
	}
	return s
}
