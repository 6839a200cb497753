package chat

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/ashureev/gene-analysis/internal/agent"
)

// overlapProcessor flags any two Go calls running at the same time.
type overlapProcessor struct {
	running    atomic.Int32
	overlapped atomic.Bool
}

func (p *overlapProcessor) Configure(context.Context, agent.Settings) error { return nil }

func (p *overlapProcessor) Go(context.Context, agent.Request) (*agent.Transcript, error) {
	if p.running.Add(1) > 1 {
		p.overlapped.Store(true)
	}
	defer p.running.Add(-1)
	time.Sleep(20 * time.Millisecond)
	return &agent.Transcript{Final: "ok"}, nil
}

func (p *overlapProcessor) Health(context.Context) error { return nil }
func (p *overlapProcessor) Close()                       {}
