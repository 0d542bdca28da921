// Package embedding detects faces through the face embedding server and turns
// its output into identity observations.
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/kozaktomas/face-tagger/internal/facematch"
	"github.com/kozaktomas/face-tagger/internal/identity"
	"github.com/kozaktomas/face-tagger/internal/logger"
)

const (
	defaultEmbeddingURL = "http://localhost:8000"
	defaultModel        = "hog" // reported as detection_model only
	faceEndpoint        = "/embed/face"
)

// Options configures a Client.
type Options struct {
	BaseURL      string
	Model        string
	MaxImageSize int // longest edge sent to the server, 0 keeps the original
	Padding      int // pixels added around each face crop
	Filter       facematch.FilterOptions
	HTTPClient   *http.Client
}

// Client is an identity.Detector backed by the embedding server.
type Client struct {
	baseURL      string
	model        string
	maxImageSize int
	padding      int
	filter       facematch.FilterOptions
	client       *http.Client
}

// NewClient creates a new embedding client
func NewClient(opts Options) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = defaultEmbeddingURL
	}
	if opts.Model == "" {
		opts.Model = defaultModel
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &Client{
		baseURL:      strings.TrimSuffix(opts.BaseURL, "/"),
		model:        opts.Model,
		maxImageSize: opts.MaxImageSize,
		padding:      opts.Padding,
		filter:       opts.Filter,
		client:       opts.HTTPClient,
	}
}

// FaceDetection represents a single detected face
type FaceDetection struct {
	FaceIndex int       `json:"face_index"`
	Dim       int       `json:"dim"`
	Embedding []float32 `json:"embedding"`
	BBox      []float64 `json:"bbox"` // [x1, y1, x2, y2]
	DetScore  float64   `json:"det_score"`
}

// FaceResponse represents the response from the face embedding endpoint
type FaceResponse struct {
	FacesCount int             `json:"faces_count"`
	Faces      []FaceDetection `json:"faces"`
	Model      string          `json:"model"`
}

// Model returns the detection model label reported in results.
func (c *Client) Model() string {
	return c.model
}

// postMultipartImage posts the image as the "file" form field, with a
// Content-Type header based on magic byte detection.
func (c *Client) postMultipartImage(ctx context.Context, endpoint string, imageData []byte) ([]byte, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="file"; filename="image.jpg"`)
	h.Set("Content-Type", detectMIMEType(imageData))
	part, err := writer.CreatePart(h)
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}

	if _, err := part.Write(imageData); err != nil {
		return nil, fmt.Errorf("failed to write image data: %w", err)
	}

	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, &buf)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}

	return body, nil
}

// detectMIMEType detects the MIME type from image data
func detectMIMEType(data []byte) string {
	if len(data) < 8 {
		return "application/octet-stream"
	}
	// JPEG: FF D8 FF
	if data[0] == 0xFF && data[1] == 0xD8 && data[2] == 0xFF {
		return "image/jpeg"
	}
	// PNG: 89 50 4E 47
	if data[0] == 0x89 && data[1] == 0x50 && data[2] == 0x4E && data[3] == 0x47 {
		return "image/png"
	}
	return "application/octet-stream"
}

// ComputeFaceEmbeddings detects faces and computes their embeddings
func (c *Client) ComputeFaceEmbeddings(ctx context.Context, imageData []byte) (*FaceResponse, error) {
	body, err := c.postMultipartImage(ctx, faceEndpoint, imageData)
	if err != nil {
		return nil, err
	}

	var faceResp FaceResponse
	if err := json.Unmarshal(body, &faceResp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	return &faceResp, nil
}

// Detect decodes the image, downscales it, sends it to the server and returns
// the faces that survive filtering, each with a padded JPEG crop. Bounding
// boxes are in the coordinates of the downscaled image.
func (c *Client) Detect(ctx context.Context, data []byte) (*identity.Detection, error) {
	log := logger.C(ctx)

	img, format, err := facematch.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", identity.ErrImageLoad, err)
	}
	scaled := facematch.Downscale(img, c.maxImageSize)

	// The server only reads JPEG and PNG; anything resized or in another
	// format is re-encoded.
	payload := data
	if scaled.Bounds() != img.Bounds() || (format != "jpeg" && format != "png") {
		payload, err = facematch.EncodeJPEG(scaled)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", identity.ErrImageLoad, err)
		}
	}

	detStart := time.Now()
	resp, err := c.ComputeFaceEmbeddings(ctx, payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", identity.ErrDetection, err)
	}
	detectionTime := time.Since(detStart)

	cands := make([]facematch.Candidate, len(resp.Faces))
	for i, f := range resp.Faces {
		cands[i] = facematch.Candidate{BBox: f.BBox, Score: f.DetScore}
	}
	kept, rejected := facematch.Filter(cands, c.filter)
	for _, r := range rejected {
		log.Debug().Int("face", r.Index).Str("reason", r.Reason).Msg("skipping detected face")
	}

	encStart := time.Now()
	det := &identity.Detection{
		Faces:         make([]identity.FaceObservation, 0, len(kept)),
		Model:         c.model,
		DetectionTime: detectionTime,
	}
	for n, i := range kept {
		f := resp.Faces[i]
		obs := identity.FaceObservation{
			Index:      n,
			Embedding:  f.Embedding,
			Box:        boxFromBBox(f.BBox),
			Confidence: f.DetScore,
		}
		crop, err := facematch.CropFace(scaled, f.BBox, c.padding)
		if err == nil {
			obs.Crop, err = facematch.EncodeJPEG(crop)
		}
		if err != nil {
			log.Warn().Err(err).Int("face", n).Msg("face crop failed")
			obs.Crop = nil
		} else {
			obs.CropExt = "jpg"
		}
		det.Faces = append(det.Faces, obs)
	}
	det.EncodingTime = time.Since(encStart)

	log.Debug().
		Int("faces_returned", len(resp.Faces)).
		Int("faces_kept", len(det.Faces)).
		Dur("detection_time", detectionTime).
		Msg("faces detected")
	return det, nil
}

func boxFromBBox(b []float64) identity.BoundingBox {
	return identity.BoundingBox{Left: int(b[0]), Top: int(b[1]), Right: int(b[2]), Bottom: int(b[3])}
}
