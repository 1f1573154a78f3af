package main

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	mctr "github.com/smnsjas/go-mctr"
)

// printer writes session events as text and keeps the verdicts for the
// summary.
type printer struct {
	mu       sync.Mutex
	out      io.Writer
	verdicts map[string]mctr.Verdict
	order    []string
	errors   int
}

func newPrinter(out io.Writer) *printer {
	return &printer{out: out, verdicts: make(map[string]mctr.Verdict)}
}

func (p *printer) StatusChanged(s mctr.State) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, "[%s] %s\n", s, s.Description())
}

func (p *printer) Error(severity int, message string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.errors++
	fmt.Fprintf(p.out, "error (severity %d): %s\n", severity, message)
}

func (p *printer) Notify(t mctr.Timeval, source string, _ int, message string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, "%s %s %s\n", t.Time().Format("15:04:05.000000"), source, message)
}

func (p *printer) Verdict(testcase string, v mctr.Verdict) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, seen := p.verdicts[testcase]; !seen {
		p.order = append(p.order, testcase)
	}
	p.verdicts[testcase] = v
	fmt.Fprintf(p.out, "verdict %s: %s\n", testcase, v)
}

func (p *printer) VerdictStats(stats map[mctr.Verdict]int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, "statistics: %s\n", formatStats(stats))
}

// Summary writes one line per testcase and returns how many did not pass
// or end inconclusive.
func (p *printer) Summary(w io.Writer) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	failed := 0
	fmt.Fprintln(w, "Summary:")
	for _, tc := range p.order {
		v := p.verdicts[tc]
		if v == mctr.VerdictFail || v == mctr.VerdictError {
			failed++
		}
		fmt.Fprintf(w, "  %-30s %s\n", tc, v)
	}
	return failed
}

func formatStats(stats map[mctr.Verdict]int) string {
	verdicts := make([]mctr.Verdict, 0, len(stats))
	for v := range stats {
		verdicts = append(verdicts, v)
	}
	sort.Slice(verdicts, func(i, j int) bool { return verdicts[i] < verdicts[j] })

	parts := make([]string, len(verdicts))
	for i, v := range verdicts {
		parts[i] = fmt.Sprintf("%s=%d", v, stats[v])
	}
	return strings.Join(parts, " ")
}
