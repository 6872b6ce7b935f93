package main

import (
	"log/slog"
	"os"

	"github.com/cheggaaa/pb/v3"
	"golang.org/x/term"
)

const progressTemplate = `{{counters . }} keys {{bar . }} {{percent . }} {{etime . }}`

// progress tracks dictionary keys checked. It draws a bar on a terminal and
// logs per-chunk lines otherwise.
type progress struct {
	bar   *pb.ProgressBar
	total int
	done  int
}

func newProgress(total int) *progress {
	p := &progress{total: total}
	if total > 0 && term.IsTerminal(int(os.Stderr.Fd())) {
		p.bar = pb.New(total).SetTemplateString(progressTemplate).SetWriter(os.Stderr).Start()
	}
	return p
}

func (p *progress) add(n int) {
	p.done += n
	if p.bar != nil {
		p.bar.Add(n)
		return
	}
	slog.Info("chunk checked", "keys", p.done, "of", p.total)
}

func (p *progress) finish() {
	if p.bar != nil {
		p.bar.Finish()
		p.bar = nil
	}
}
