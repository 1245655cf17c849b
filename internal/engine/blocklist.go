package engine

import (
	"context"
	"strings"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

// Blocklist holds compiled request-blocking rules applied to a render session
// when the request opts in to resource blocking. Injected HTML should not be
// fetching third-party resources in most deployments; the blocklist lets
// operators cut off stragglers (analytics beacons, remote fonts) that would
// otherwise hold the readiness waiter to its full budget.
type Blocklist struct {
	patterns             []string            // lowercase, wildcard form "*substr*" or exact
	blockedResourceTypes map[string]struct{} // resource types to block (Image, Media, Font, ...)
}

// NewBlocklist compiles URL patterns and resource types.
// Pattern forms, matched case-insensitively against the full URL:
//   - "*substr*"  substring match
//   - "prefix*"   prefix match
//   - "*suffix"   suffix match
//   - "exact"     exact match
func NewBlocklist(patterns []string, resourceTypes []string) *Blocklist {
	bl := &Blocklist{
		blockedResourceTypes: make(map[string]struct{}),
	}

	for _, pat := range patterns {
		pat = strings.ToLower(strings.TrimSpace(pat))
		if pat == "" {
			continue
		}
		bl.patterns = append(bl.patterns, pat)
	}

	for _, rt := range resourceTypes {
		rt = strings.TrimSpace(rt)
		if rt == "" {
			continue
		}
		bl.blockedResourceTypes[rt] = struct{}{}
	}

	return bl
}

// Empty reports whether the blocklist has no rules at all
func (bl *Blocklist) Empty() bool {
	return len(bl.patterns) == 0 && len(bl.blockedResourceTypes) == 0
}

// IsBlocked checks if a URL matches any blocking pattern
func (bl *Blocklist) IsBlocked(requestURL string) bool {
	url := strings.ToLower(requestURL)

	for _, pat := range bl.patterns {
		switch {
		case strings.HasPrefix(pat, "*") && strings.HasSuffix(pat, "*") && len(pat) > 1:
			if strings.Contains(url, pat[1:len(pat)-1]) {
				return true
			}
		case strings.HasSuffix(pat, "*"):
			if strings.HasPrefix(url, pat[:len(pat)-1]) {
				return true
			}
		case strings.HasPrefix(pat, "*"):
			if strings.HasSuffix(url, pat[1:]) {
				return true
			}
		default:
			if url == pat {
				return true
			}
		}
	}

	return false
}

// IsResourceTypeBlocked checks if a resource type should be blocked
func (bl *Blocklist) IsResourceTypeBlocked(resourceType string) bool {
	if len(bl.blockedResourceTypes) == 0 {
		return false
	}
	_, blocked := bl.blockedResourceTypes[resourceType]
	return blocked
}

// Intercept installs fetch interception on a session context. Blocked
// requests are aborted; everything else is continued unmodified. Must be
// called before content is injected.
func (bl *Blocklist) Intercept(sessionCtx context.Context, requestID string, logger *zap.Logger) error {
	chromedp.ListenTarget(sessionCtx, func(event interface{}) {
		ev, ok := event.(*fetch.EventRequestPaused)
		if !ok {
			return
		}

		// Handle each fetch event in a goroutine to avoid blocking the
		// CDP event dispatcher
		go func(event *fetch.EventRequestPaused) {
			cmdCtx, cancel := context.WithTimeout(sessionCtx, 2*time.Second)
			defer cancel()

			c := chromedp.FromContext(cmdCtx)
			executor := cdp.WithExecutor(cmdCtx, c.Target)

			if bl.IsBlocked(event.Request.URL) || bl.IsResourceTypeBlocked(string(event.ResourceType)) {
				if err := fetch.FailRequest(event.RequestID, network.ErrorReasonAborted).Do(executor); err != nil {
					logger.Warn("Failed to block request",
						zap.String("request_id", requestID),
						zap.String("url", event.Request.URL),
						zap.Error(err))
				}
				return
			}

			if err := fetch.ContinueRequest(event.RequestID).Do(executor); err != nil {
				// Fail the request rather than leaving it hanging in paused state
				logger.Warn("Failed to continue request, failing instead to prevent hang",
					zap.String("request_id", requestID),
					zap.String("url", event.Request.URL),
					zap.Error(err))
				_ = fetch.FailRequest(event.RequestID, network.ErrorReasonAborted).Do(executor)
			}
		}(ev)
	})

	return chromedp.Run(sessionCtx, fetch.Enable())
}
