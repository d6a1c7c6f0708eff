package main

import (
	"github.com/gosuri/uiprogress"
)

// Progress reports how many jobs of a batch are done.
type Progress interface {
	Start(total int)
	Incr()
	Stop()
}

type noProgress struct{}

func (noProgress) Start(int) {}
func (noProgress) Incr()     {}
func (noProgress) Stop()     {}

// barProgress draws a terminal bar on stdout.
type barProgress struct {
	progress *uiprogress.Progress
	bar      *uiprogress.Bar
}

func newBarProgress() *barProgress {
	return &barProgress{}
}

func (b *barProgress) Start(total int) {
	b.progress = uiprogress.New()
	b.bar = b.progress.AddBar(total).AppendCompleted().PrependElapsed()
	b.bar.PrependFunc(func(bar *uiprogress.Bar) string {
		return "simulations"
	})
	b.progress.Start()
}

func (b *barProgress) Incr() {
	if b.bar != nil {
		b.bar.Incr()
	}
}

func (b *barProgress) Stop() {
	if b.progress != nil {
		b.progress.Stop()
	}
}
