package judge

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/isdmx/codus/config"
	"github.com/isdmx/codus/sandbox"
)

const buildTimeout = 15 * time.Minute

// Preflight makes sure a language's image exists before any sandbox is
// created from it, building it when missing. Concurrent calls for the same
// image share one build.
type Preflight struct {
	logger *zap.Logger
	prov   sandbox.Provisioner

	group singleflight.Group

	mu    sync.Mutex
	ready map[string]bool
}

// NewPreflight creates a Preflight backed by prov.
func NewPreflight(logger *zap.Logger, prov sandbox.Provisioner) *Preflight {
	return &Preflight{
		logger: logger,
		prov:   prov,
		ready:  make(map[string]bool),
	}
}

// Ensure returns once lang's image is available. A build started here keeps
// running if ctx ends, so later callers can still use it.
func (p *Preflight) Ensure(ctx context.Context, lang config.Language) error {
	tag := lang.Image
	if p.isReady(tag) {
		return nil
	}

	ch := p.group.DoChan(tag, func() (any, error) {
		buildCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), buildTimeout)
		defer cancel()
		return nil, p.provision(buildCtx, lang)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return res.Err
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Preflight) provision(ctx context.Context, lang config.Language) error {
	tag := lang.Image
	exists, err := p.prov.ImageExists(ctx, tag)
	if err != nil {
		return fmt.Errorf("failed to check image %s: %w", tag, err)
	}
	if exists {
		p.markReady(tag)
		return nil
	}

	if lang.BuildContext == "" {
		return fmt.Errorf("image %s is missing and no build context is configured", tag)
	}

	p.logger.Info("building image", zap.String("image", tag), zap.String("context", lang.BuildContext))
	start := time.Now()

	rc, err := p.prov.BuildImage(ctx, lang.BuildContext, lang.Dockerfile, tag)
	if err != nil {
		return err
	}
	defer rc.Close()

	if err := p.followBuild(rc, tag); err != nil {
		return err
	}

	p.logger.Info("image built", zap.String("image", tag), zap.Duration("duration", time.Since(start)))
	p.markReady(tag)
	return nil
}

type buildMessage struct {
	Stream      string `json:"stream"`
	Error       string `json:"error"`
	ErrorDetail struct {
		Message string `json:"message"`
	} `json:"errorDetail"`
}

// followBuild reads the build output to EOF, logging progress and failing on
// an error message. Docker emits JSON lines; other backends plain text.
func (p *Preflight) followBuild(r io.Reader, tag string) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var msg buildMessage
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			p.logger.Debug("build output", zap.String("image", tag), zap.String("line", line))
			continue
		}
		if msg.Error != "" || msg.ErrorDetail.Message != "" {
			reason := msg.Error
			if reason == "" {
				reason = msg.ErrorDetail.Message
			}
			return fmt.Errorf("failed to build image %s: %s", tag, reason)
		}
		if s := strings.TrimSpace(msg.Stream); s != "" {
			p.logger.Debug("build output", zap.String("image", tag), zap.String("line", s))
		}
	}

	if err := scanner.Err(); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to read build output for %s: %w", tag, err)
	}
	return nil
}

func (p *Preflight) isReady(tag string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ready[tag]
}

func (p *Preflight) markReady(tag string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ready[tag] = true
}
