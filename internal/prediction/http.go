package prediction

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"

	"github.com/bytedance/sonic"
	"go.uber.org/zap"

	"github.com/example/medscan/internal/media"
)

// FormField is the multipart field carrying the image.
const FormField = "image"

// maxResponseBytes bounds how much of a response body is read.
const maxResponseBytes = 1 << 20

// HTTPClient posts images as multipart form data to a configured endpoint.
type HTTPClient struct {
	endpoint string
	http     *http.Client
	logger   *zap.Logger
}

// NewHTTPClient constructs a client. A nil httpClient uses a client
// without timeout; callers bound requests through the context.
func NewHTTPClient(endpoint string, httpClient *http.Client, logger *zap.Logger) *HTTPClient {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPClient{endpoint: endpoint, http: httpClient, logger: logger.Named("prediction_http")}
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (c *HTTPClient) Classify(ctx context.Context, img media.Image) (*Result, error) {
	body, contentType, err := encodeImage(img)
	if err != nil {
		return nil, NetworkFailure(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, body)
	if err != nil {
		return nil, NetworkFailure(err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Warn("prediction request failed", zap.String("endpoint", c.endpoint), zap.Error(err))
		return nil, NetworkFailure(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, NetworkFailure(fmt.Errorf("read response: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var eb errorBody
		if len(raw) > 0 && sonic.Unmarshal(raw, &eb) == nil {
			if eb.Error == "" {
				eb.Error = eb.Message
			}
		}
		c.logger.Info("prediction rejected", zap.Int("status", resp.StatusCode), zap.String("message", eb.Error))
		return nil, Rejected(resp.StatusCode, eb.Error)
	}

	var result Result
	if err := sonic.Unmarshal(raw, &result); err != nil {
		return nil, Malformed(resp.StatusCode, err)
	}
	if err := result.Validate(); err != nil {
		return nil, Malformed(resp.StatusCode, err)
	}
	return &result, nil
}

func encodeImage(img media.Image) (io.Reader, string, error) {
	buf := &bytes.Buffer{}
	writer := multipart.NewWriter(buf)

	name := img.Name
	if name == "" {
		name = "upload"
	}
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`, FormField, escapeQuotes(name)))
	header.Set("Content-Type", img.ContentType)

	part, err := writer.CreatePart(header)
	if err != nil {
		return nil, "", fmt.Errorf("create multipart part: %w", err)
	}
	if _, err := part.Write(img.Data); err != nil {
		return nil, "", fmt.Errorf("write multipart part: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("close multipart writer: %w", err)
	}
	return buf, writer.FormDataContentType(), nil
}

var quoteEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`)

func escapeQuotes(s string) string {
	return quoteEscaper.Replace(s)
}
