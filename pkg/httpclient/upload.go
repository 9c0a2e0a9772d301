package httpclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"sync"

	apperrors "github.com/Caleb220/Parscade-Bolt-Testing-sub001/pkg/errors"
)

// ProgressFunc receives upload progress as an integer percentage 0-100.
type ProgressFunc func(percent int)

// Upload PUTs r to a pre-signed URL. No Authorization header is sent and the
// transfer is never retried. size is the total byte count used for progress;
// when size <= 0 only the final 100 is reported.
func (c *Client) Upload(ctx context.Context, signedURL string, r io.Reader, size int64, contentType string, onProgress ProgressFunc) error {
	requestID := NewRequestID(c.now())
	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()
	start := c.now()

	pr := &progressReader{r: r, total: size, fn: onProgress, last: -1}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, signedURL, pr)
	if err != nil {
		return apperrors.Upload("invalid upload url", 0).WithCause(err).WithRequestID(requestID)
	}
	if size > 0 {
		req.ContentLength = size
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("X-Request-ID", requestID)

	c.logger.DebugContext(ctx, "starting file upload",
		slog.String("request_id", requestID),
		slog.Int64("size", size),
		slog.String("content_type", contentType),
	)

	resp, err := c.uploadClient.Do(req)
	if err != nil {
		var apiErr *apperrors.APIError
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			apiErr = apperrors.New(apperrors.CodeTimeout, "File upload timeout", http.StatusRequestTimeout).WithCause(err)
		} else {
			apiErr = apperrors.Network("File upload network error", err)
		}
		apiErr.WithRequestID(requestID).WithDetails(map[string]any{"size": size})
		c.logger.WarnContext(ctx, "file upload failed",
			slog.String("request_id", requestID),
			slog.String("code", apiErr.Code),
		)
		return apiErr
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.WarnContext(ctx, "file upload failed",
			slog.String("request_id", requestID),
			slog.Int("status", resp.StatusCode),
		)
		return apperrors.Upload(fmt.Sprintf("File upload failed: %s", statusText(resp)), resp.StatusCode).
			WithRequestID(requestID).
			WithDetails(map[string]any{"size": size})
	}

	pr.finish()
	uploadBytesTotal.Add(float64(pr.readBytes()))

	c.logger.DebugContext(ctx, "file upload completed",
		slog.String("request_id", requestID),
		slog.Int("status", resp.StatusCode),
		slog.Int64("size", size),
		slog.Int64("duration_ms", c.now().Sub(start).Milliseconds()),
	)
	return nil
}

// progressReader reports monotonic percentages as the transport consumes the
// body.
type progressReader struct {
	r     io.Reader
	total int64
	fn    ProgressFunc

	mu   sync.Mutex
	read int64
	last int
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.mu.Lock()
		p.read += int64(n)
		p.report(p.percent())
		p.mu.Unlock()
	}
	return n, err
}

func (p *progressReader) percent() int {
	if p.total <= 0 {
		return -1
	}
	pct := int(math.Round(float64(p.read) / float64(p.total) * 100))
	if pct > 100 {
		pct = 100
	}
	return pct
}

// report must be called with mu held.
func (p *progressReader) report(pct int) {
	if p.fn == nil || pct <= p.last {
		return
	}
	p.last = pct
	p.fn(pct)
}

func (p *progressReader) finish() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.report(100)
}

func (p *progressReader) readBytes() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.read
}
