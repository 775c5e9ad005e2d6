package tui

import (
	"sync"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/adwski/alertbox/backend/model"
)

const defaultEventQueueSize = 64

// Publisher carries controller events into the terminal program. Publish
// blocks while the queue is full so no display is lost, and returns at once
// after Close.
type Publisher struct {
	ch   chan model.Event
	done chan struct{}
	once sync.Once
}

type eventMsg model.Event

func NewPublisher() *Publisher {
	return &Publisher{
		ch:   make(chan model.Event, defaultEventQueueSize),
		done: make(chan struct{}),
	}
}

func (p *Publisher) Publish(ev model.Event) {
	select {
	case p.ch <- ev:
	case <-p.done:
	}
}

func (p *Publisher) Close() {
	p.once.Do(func() {
		close(p.done)
	})
}

func (p *Publisher) wait() tea.Cmd {
	return func() tea.Msg {
		select {
		case ev := <-p.ch:
			return eventMsg(ev)
		case <-p.done:
			return nil
		}
	}
}
