// Package channel connects the bot to chat platforms. Every channel can
// publish inbound messages, look up a sender's profile picture and upload
// images back into a chat.
package channel

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"unicode"

	"uniqua/internal/domain"
)

// Registry holds the configured channels by name.
type Registry struct {
	mu       sync.RWMutex
	channels map[string]domain.Channel
	logger   *slog.Logger
}

func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		channels: make(map[string]domain.Channel),
		logger:   logger,
	}
}

func (r *Registry) Register(ch domain.Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.channels[ch.Name()] = ch
	r.logger.Debug("registered channel", "name", ch.Name())
}

func (r *Registry) Get(name string) (domain.Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.channels[name]
	return ch, ok
}

// Names returns the registered channel names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.channels))
	for n := range r.channels {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Profiles returns the profile lookup of the named channel.
func (r *Registry) Profiles(name string) (domain.ProfileSource, bool) {
	ch, ok := r.Get(name)
	if !ok {
		return nil, false
	}
	ps, ok := ch.(domain.ProfileSource)
	return ps, ok
}

// Uploader returns the media uploader of the named channel.
func (r *Registry) Uploader(name string) (domain.MediaUploader, bool) {
	ch, ok := r.Get(name)
	if !ok {
		return nil, false
	}
	mu, ok := ch.(domain.MediaUploader)
	return mu, ok
}

// StartAll runs every channel in its own goroutine. Errors are delivered on
// the returned channel, which is closed once all channels have returned.
func (r *Registry) StartAll(ctx context.Context, bus domain.MessageBus) <-chan error {
	r.mu.RLock()
	channels := make([]domain.Channel, 0, len(r.channels))
	for _, ch := range r.channels {
		channels = append(channels, ch)
	}
	r.mu.RUnlock()

	errCh := make(chan error, len(channels))
	var wg sync.WaitGroup
	for _, ch := range channels {
		wg.Add(1)
		go func(ch domain.Channel) {
			defer wg.Done()
			r.logger.Info("starting channel", "channel", ch.Name())
			if err := ch.Start(ctx, bus); err != nil {
				errCh <- fmt.Errorf("channel %s: %w", ch.Name(), err)
			}
		}(ch)
	}
	go func() {
		wg.Wait()
		close(errCh)
	}()
	return errCh
}

// StopAll stops every channel, logging failures.
func (r *Registry) StopAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for name, ch := range r.channels {
		if err := ch.Stop(); err != nil {
			r.logger.Warn("channel stop failed", "channel", name, "err", err)
		}
	}
}

// hasMention reports whether text contains @handle as a whole word,
// ignoring case.
func hasMention(text, handle string) bool {
	handle = strings.TrimPrefix(strings.TrimSpace(handle), "@")
	if handle == "" {
		return false
	}
	lower := strings.ToLower(text)
	needle := "@" + strings.ToLower(handle)
	for i := 0; ; {
		idx := strings.Index(lower[i:], needle)
		if idx < 0 {
			return false
		}
		end := i + idx + len(needle)
		if end == len(lower) || !isHandleRune(rune(lower[end])) {
			return true
		}
		i = end
	}
}

func isHandleRune(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}

// splitMessage splits a message into chunks that fit within the max length,
// trying to split on newlines when possible.
func splitMessage(msg string, maxLen int) []string {
	if len(msg) <= maxLen {
		return []string{msg}
	}

	var chunks []string
	for len(msg) > 0 {
		if len(msg) <= maxLen {
			chunks = append(chunks, msg)
			break
		}

		cut := maxLen
		if idx := strings.LastIndex(msg[:maxLen], "\n"); idx > maxLen/2 {
			cut = idx + 1
		}

		chunks = append(chunks, msg[:cut])
		msg = msg[cut:]
	}
	return chunks
}
