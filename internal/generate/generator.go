// Package generate asks the backend to author a test over the generate-test
// channel and waits for the result.
package generate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aitestlab/monitor/internal/transport"
)

// Events of the generate-test channel.
const (
	EventForm    = "generate:test:form"
	EventSuccess = "generate:test:success"
	EventError   = "generate:test:error"
)

// DefaultTimeout bounds a generation when none is configured.
const DefaultTimeout = 2 * time.Minute

var (
	ErrNotConnected  = errors.New("not connected to the generation server")
	ErrBusy          = errors.New("a test is already being generated")
	ErrTimeout       = errors.New("test generation timed out")
	ErrInvalidParams = errors.New("invalid test parameters")
)

// ServerError is a failure reported by the server on generate:test:error.
type ServerError struct {
	Message string
}

func (e *ServerError) Error() string { return "generation failed: " + e.Message }

// Params describes the test to generate. Topics and BookName are folded into
// Topic and Description before sending.
type Params struct {
	Subject             string   `json:"subject" binding:"required"`
	GradeLevel          string   `json:"gradeLevel" binding:"required"`
	Title               string   `json:"title,omitempty"`
	Description         string   `json:"description,omitempty"`
	SectionTypes        []string `json:"sectionTypes,omitempty"`
	QuestionsPerSection int      `json:"questionsPerSection,omitempty" binding:"omitempty,min=1"`
	Tags                []string `json:"tags,omitempty"`
	SectionCount        int      `json:"sectionCount,omitempty" binding:"omitempty,min=1"`
	Topic               string   `json:"topic,omitempty"`

	Topics   []string `json:"topics,omitempty"`
	BookName string   `json:"bookName,omitempty"`
}

// wire is the payload sent on generate:test:form.
type wire struct {
	Subject             string   `json:"subject"`
	GradeLevel          string   `json:"gradeLevel"`
	Title               string   `json:"title,omitempty"`
	Description         string   `json:"description,omitempty"`
	SectionTypes        []string `json:"sectionTypes,omitempty"`
	QuestionsPerSection int      `json:"questionsPerSection,omitempty"`
	Tags                []string `json:"tags,omitempty"`
	SectionCount        int      `json:"sectionCount,omitempty"`
	Topic               string   `json:"topic,omitempty"`
}

func (p Params) payload() (wire, error) {
	w := wire{
		Subject:             strings.TrimSpace(p.Subject),
		GradeLevel:          strings.TrimSpace(p.GradeLevel),
		Title:               p.Title,
		Description:         p.Description,
		SectionTypes:        p.SectionTypes,
		QuestionsPerSection: p.QuestionsPerSection,
		Tags:                p.Tags,
		SectionCount:        p.SectionCount,
		Topic:               strings.TrimSpace(p.Topic),
	}
	if w.Subject == "" || w.GradeLevel == "" {
		return wire{}, fmt.Errorf("%w: subject and grade level are required", ErrInvalidParams)
	}
	if p.QuestionsPerSection < 0 || p.SectionCount < 0 {
		return wire{}, fmt.Errorf("%w: counts must be positive", ErrInvalidParams)
	}
	if len(p.Topics) > 0 {
		w.Topic = strings.Join(p.Topics, ", ")
	}
	if p.BookName != "" {
		if len(p.Topics) == 0 {
			return wire{}, fmt.Errorf("%w: pick at least one topic of the book", ErrInvalidParams)
		}
		w.Description = strings.TrimSpace(w.Description + " Book: " + p.BookName)
	}
	return w, nil
}

type result struct {
	test json.RawMessage
	err  error
}

// Generator runs one generation at a time: replies carry no request id.
type Generator struct {
	binding *transport.Binding
	timeout time.Duration
	logger  *zap.Logger

	mu      sync.Mutex
	pending chan result
}

// NewGenerator binds the generate-test channel. A timeout <= 0 means
// DefaultTimeout.
func NewGenerator(reg *transport.Registry, timeout time.Duration, logger *zap.Logger) *Generator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	g := &Generator{timeout: timeout, logger: logger}
	g.binding = transport.Bind(reg, transport.NamespaceGenerateTest, logger)
	g.binding.On(EventSuccess, func(data json.RawMessage) {
		g.deliver(result{test: data})
	})
	g.binding.On(EventError, func(data json.RawMessage) {
		var p transport.ErrorPayload
		if json.Unmarshal(data, &p) != nil || p.Message == "" {
			p.Message = "server error"
		}
		g.deliver(result{err: &ServerError{Message: p.Message}})
	})
	g.binding.On(transport.EventDisconnect, func(json.RawMessage) {
		g.deliver(result{err: ErrNotConnected})
	})
	return g
}

// Connected reports whether the generate-test channel is up.
func (g *Generator) Connected() bool { return g.binding.Connected() }

// Generate sends p and waits for the generated test.
func (g *Generator) Generate(ctx context.Context, p Params) (json.RawMessage, error) {
	payload, err := p.payload()
	if err != nil {
		return nil, err
	}
	if !g.binding.Connected() {
		return nil, ErrNotConnected
	}

	ch := make(chan result, 1)
	g.mu.Lock()
	if g.pending != nil {
		g.mu.Unlock()
		return nil, ErrBusy
	}
	g.pending = ch
	g.mu.Unlock()
	defer g.release(ch)

	if !g.binding.Emit(EventForm, payload) {
		return nil, ErrNotConnected
	}
	g.logger.Info("test generation requested",
		zap.String("subject", payload.Subject), zap.String("grade_level", payload.GradeLevel))

	timer := time.NewTimer(g.timeout)
	defer timer.Stop()
	select {
	case r := <-ch:
		if r.err != nil {
			g.logger.Warn("test generation failed", zap.Error(r.err))
		}
		return r.test, r.err
	case <-timer.C:
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (g *Generator) deliver(r result) {
	g.mu.Lock()
	ch := g.pending
	g.pending = nil
	g.mu.Unlock()
	if ch == nil {
		if r.err == nil {
			g.logger.Warn("generation reply with no request waiting")
		}
		return
	}
	ch <- r
}

func (g *Generator) release(ch chan result) {
	g.mu.Lock()
	if g.pending == ch {
		g.pending = nil
	}
	g.mu.Unlock()
}

// Close releases the channel subscriptions.
func (g *Generator) Close() { g.binding.Close() }
