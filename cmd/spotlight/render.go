package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"gopkg.in/yaml.v3"

	"github.com/MikeSquared-Agency/spotlight/internal/analysis"
)

const barWidth = 20

// render prints one row per phrase with its raw and normalized score and a
// bar proportional to the normalized score.
func render(w io.Writer, run *analysis.Run) error {
	fmt.Fprintf(w, "analysis %s: %s (%s, %s, %d calls)\n", run.ID, run.Status, run.Method, run.Target, run.Calls)
	if run.Status != analysis.StatusCompleted {
		if run.Error != "" {
			fmt.Fprintf(w, "error: %s\n", run.Error)
		}
		return nil
	}

	norm := run.Normalized()
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tRAW\tNORM\t\tPHRASE")
	for i, p := range run.Phrases {
		raw := fmt.Sprintf("%.3f", run.Raw[i])
		if run.Failed[i] {
			raw += "!"
		}
		fmt.Fprintf(tw, "%d\t%s\t%.3f\t%s\t%s\n", p.Index, raw, norm[i], bar(norm[i]), quote(p.Text))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if n := run.FailedCount(); n > 0 {
		fmt.Fprintf(w, "%d phrase probe(s) failed and were scored 0 (marked !)\n", n)
	}
	return nil
}

func bar(v float64) string {
	n := int(v*barWidth + 0.5)
	return strings.Repeat("#", n) + strings.Repeat(".", barWidth-n)
}

func quote(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if r := []rune(s); len(r) > 60 {
		s = string(r[:57]) + "..."
	}
	return fmt.Sprintf("%q", s)
}

// report is the machine-readable form of a finished run.
type report struct {
	ID           string         `json:"id" yaml:"id"`
	Status       string         `json:"status" yaml:"status"`
	Method       string         `json:"method" yaml:"method"`
	Target       string         `json:"target" yaml:"target"`
	Provider     string         `json:"provider,omitempty" yaml:"provider,omitempty"`
	Model        string         `json:"model,omitempty" yaml:"model,omitempty"`
	Calls        int            `json:"calls" yaml:"calls"`
	FailedProbes int            `json:"failed_probes" yaml:"failed_probes"`
	Error        string         `json:"error,omitempty" yaml:"error,omitempty"`
	Phrases      []phraseReport `json:"phrases,omitempty" yaml:"phrases,omitempty"`
}

type phraseReport struct {
	Index      int     `json:"index" yaml:"index"`
	Text       string  `json:"text" yaml:"text"`
	Raw        float64 `json:"raw" yaml:"raw"`
	Normalized float64 `json:"normalized" yaml:"normalized"`
	Failed     bool    `json:"failed,omitempty" yaml:"failed,omitempty"`
}

func newReport(run *analysis.Run) report {
	r := report{
		ID:           run.ID.String(),
		Status:       string(run.Status),
		Method:       run.Method.String(),
		Target:       run.Target.String(),
		Provider:     run.Provider,
		Model:        run.Model,
		Calls:        run.Calls,
		FailedProbes: run.FailedCount(),
		Error:        run.Error,
	}
	if run.Status != analysis.StatusCompleted {
		return r
	}
	norm := run.Normalized()
	r.Phrases = make([]phraseReport, len(run.Phrases))
	for i, p := range run.Phrases {
		r.Phrases[i] = phraseReport{
			Index:      p.Index,
			Text:       p.Text,
			Raw:        run.Raw[i],
			Normalized: norm[i],
			Failed:     run.Failed[i],
		}
	}
	return r
}

func writeJSON(w io.Writer, run *analysis.Run) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(newReport(run))
}

func writeYAML(w io.Writer, run *analysis.Run) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(newReport(run)); err != nil {
		return err
	}
	return enc.Close()
}
