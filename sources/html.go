package sources

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/5amCurfew/xtap/connection"
	"github.com/5amCurfew/xtap/stream"
	"github.com/gocolly/colly"
	log "github.com/sirupsen/logrus"
)

type htmlSettings struct {
	Path           string        `mapstructure:"path"`
	ElementsPath   string        `mapstructure:"elements_path"`
	Elements       []htmlElement `mapstructure:"elements"`
	NextSelector   string        `mapstructure:"next_selector"`
	UserAgent      string        `mapstructure:"user_agent"`
	TimeoutSeconds int           `mapstructure:"timeout_seconds"`
}

type htmlElement struct {
	Name string `mapstructure:"name"`
	Path string `mapstructure:"path"`
	Attr string `mapstructure:"attr"`
}

type htmlConnector struct {
	settings htmlSettings
}

type htmlSession struct {
	collector *colly.Collector
}

func (s *htmlSession) Close() error { return nil }

type htmlPager struct {
	url      string
	settings htmlSettings
}

func newHTML(baseURL string, settings map[string]interface{}) (connection.Connector, stream.Pager, error) {
	var s htmlSettings
	if err := decodeSettings(settings, &s); err != nil {
		return nil, nil, err
	}
	if s.ElementsPath == "" {
		return nil, nil, fmt.Errorf("missing required field: source.elements_path")
	}
	if len(s.Elements) == 0 {
		return nil, nil, fmt.Errorf("missing required field: source.elements")
	}
	for _, el := range s.Elements {
		if el.Name == "" {
			return nil, nil, fmt.Errorf("html element missing name")
		}
	}

	u := joinURL(baseURL, s.Path)
	if _, err := url.ParseRequestURI(u); err != nil {
		return nil, nil, fmt.Errorf("invalid html URL: %w", err)
	}
	return &htmlConnector{settings: s}, &htmlPager{url: u, settings: s}, nil
}

func (c *htmlConnector) Connect(ctx context.Context) (connection.Session, error) {
	options := []func(*colly.Collector){colly.AllowURLRevisit()}
	if c.settings.UserAgent != "" {
		options = append(options, colly.UserAgent(c.settings.UserAgent))
	}
	collector := colly.NewCollector(options...)

	timeout := 30 * time.Second
	if c.settings.TimeoutSeconds > 0 {
		timeout = time.Duration(c.settings.TimeoutSeconds) * time.Second
	}
	collector.SetRequestTimeout(timeout)
	return &htmlSession{collector: collector}, nil
}

func (p *htmlPager) FetchPage(ctx context.Context, session connection.Session, req stream.PageRequest) (stream.Page, error) {
	s, ok := connection.As[*htmlSession](session)
	if !ok {
		return stream.Page{}, fmt.Errorf("html pager used with %T session", session)
	}
	if err := ctx.Err(); err != nil {
		return stream.Page{}, err
	}

	target := p.url
	if req.Cursor != "" {
		target = req.Cursor
	}

	var (
		records []map[string]interface{}
		next    string
		status  int
	)
	collector := s.collector.Clone()
	collector.OnHTML(p.settings.ElementsPath, func(e *colly.HTMLElement) {
		record := make(map[string]interface{}, len(p.settings.Elements))
		for _, el := range p.settings.Elements {
			if el.Attr != "" {
				record[el.Name] = e.ChildAttr(el.Path, el.Attr)
			} else {
				record[el.Name] = e.ChildText(el.Path)
			}
		}
		records = append(records, record)
	})
	if p.settings.NextSelector != "" {
		collector.OnHTML(p.settings.NextSelector, func(e *colly.HTMLElement) {
			if next == "" {
				next = e.Request.AbsoluteURL(e.Attr("href"))
			}
		})
	}
	collector.OnError(func(r *colly.Response, err error) {
		status = r.StatusCode
	})

	log.WithFields(log.Fields{"page": target}).Debug("visiting page")
	if err := collector.Visit(target); err != nil {
		statusErr := fmt.Errorf("error visiting %s: %w", target, err)
		switch {
		case status == http.StatusUnauthorized || status == http.StatusForbidden:
			return stream.Page{}, &connection.AuthError{Err: statusErr}
		case status == http.StatusTooManyRequests:
			return stream.Page{}, &connection.RateLimitError{Err: statusErr}
		case status >= 500, status == 0:
			return stream.Page{}, fmt.Errorf("%w: %v", connection.ErrTransient, statusErr)
		}
		return stream.Page{}, statusErr
	}

	if next == "" || next == target {
		return stream.Page{Records: records, Done: true}, nil
	}
	return stream.Page{Records: records, Next: next}, nil
}
