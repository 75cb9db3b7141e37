package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/umputun/forgeq/app/enums"
)

// engine request limits
const (
	MaxImageBytes   = 20 * 1024 * 1024
	MinPromptLen    = 3
	MaxPromptLen    = 2000
	MinDimension    = 512
	MaxDimension    = 2048
	MinSteps        = 10
	MaxSteps        = 100
	maxErrorBodyLen = 4096
)

// HealthInfo is the engine /health answer
type HealthInfo struct {
	Status          string          `json:"status"`
	GPUAvailable    bool            `json:"gpu_available"`
	GPUName         string          `json:"gpu_name"`
	VRAMTotalGB     float64         `json:"vram_total_gb"`
	VRAMFreeGB      float64         `json:"vram_free_gb"`
	Models          json.RawMessage `json:"models,omitempty"`
	GenerationCount int             `json:"generation_count"`
}

// MeshRequest is an image to mesh request
type MeshRequest struct {
	Image    []byte
	FileName string
	JobID    string
}

// ImageRequest is a text to image request, zero options mean engine defaults
type ImageRequest struct {
	Prompt        string
	Width, Height int
	Steps         int
	JobID         string
}

// FullRequest is a text to image to mesh request
type FullRequest struct {
	Prompt string
	Steps  int
	JobID  string
}

// ArtifactResult is a binary artifact returned by the engine with its generation metadata
type ArtifactResult struct {
	EngineJobID    string
	Data           []byte
	GenerationTime float64 // seconds, as reported by the engine
	FileSize       int64
}

// FullResult is the composite pipeline answer, paths are engine download paths
type FullResult struct {
	Success   bool            `json:"success"`
	JobID     string          `json:"job_id"`
	TotalTime float64         `json:"total_time"`
	ImagePath string          `json:"image_path"`
	MeshPath  string          `json:"mesh_path"`
	Stages    json.RawMessage `json:"stages,omitempty"`
	VRAMAfter json.RawMessage `json:"vram_after,omitempty"`
}

// ConvertRequest is a GLB to FBX conversion request
type ConvertRequest struct {
	GLB   []byte
	JobID string
}

// ConvertResult is the conversion answer
type ConvertResult struct {
	Success        bool    `json:"success"`
	FbxPath        string  `json:"fbx_path"`
	ConversionTime float64 `json:"conversion_time"`
	FileSizeBytes  int64   `json:"file_size_bytes"`
	Backend        string  `json:"backend"`
	Error          string  `json:"error,omitempty"`
}

// MaterialsRequest is a PBR material extraction request
type MaterialsRequest struct {
	GLB    []byte
	Preset string
	JobID  string
}

// MaterialsResult is the material extraction answer
type MaterialsResult struct {
	Success   bool            `json:"success"`
	Textures  json.RawMessage `json:"textures,omitempty"`
	Materials json.RawMessage `json:"materials,omitempty"`
	Manifest  string          `json:"manifest,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// MaterialPreset is a named material setup known to the engine
type MaterialPreset struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Settings    map[string]any `json:"settings,omitempty"`
}

// GenerateMesh converts an image to a GLB mesh
func (b *Bridge) GenerateMesh(ctx context.Context, req MeshRequest) (*ArtifactResult, error) {
	contentType, err := ValidateImage(req.Image)
	if err != nil {
		return nil, err
	}
	base, err := b.runningURL()
	if err != nil {
		return nil, err
	}
	fileName := req.FileName
	if fileName == "" {
		fileName = "input" + extByType(contentType)
	}

	body, formType, err := multipartBody(map[string]string{"job_id": req.JobID},
		formFile{field: "image", name: fileName, contentType: contentType, data: req.Image})
	if err != nil {
		return nil, err
	}
	return b.artifactCall(ctx, base, "/generate/mesh", body, formType)
}

// GenerateImage renders an image from a text prompt
func (b *Bridge) GenerateImage(ctx context.Context, req ImageRequest) (*ArtifactResult, error) {
	if err := ValidatePrompt(req.Prompt); err != nil {
		return nil, err
	}
	if err := ValidateOptions(req.Width, req.Height, req.Steps); err != nil {
		return nil, err
	}
	base, err := b.runningURL()
	if err != nil {
		return nil, err
	}

	form := url.Values{"prompt": {strings.TrimSpace(req.Prompt)}}
	setInt(form, "width", req.Width)
	setInt(form, "height", req.Height)
	setInt(form, "steps", req.Steps)
	if req.JobID != "" {
		form.Set("job_id", req.JobID)
	}
	return b.artifactCall(ctx, base, "/generate/image", strings.NewReader(form.Encode()),
		"application/x-www-form-urlencoded")
}

// GenerateFull runs the composite text to image to mesh pipeline, with a doubled timeout
func (b *Bridge) GenerateFull(ctx context.Context, req FullRequest) (*FullResult, error) {
	if err := ValidatePrompt(req.Prompt); err != nil {
		return nil, err
	}
	if err := ValidateOptions(0, 0, req.Steps); err != nil {
		return nil, err
	}
	base, err := b.runningURL()
	if err != nil {
		return nil, err
	}

	form := url.Values{"prompt": {strings.TrimSpace(req.Prompt)}}
	setInt(form, "steps", req.Steps)
	if req.JobID != "" {
		form.Set("job_id", req.JobID)
	}
	resp, err := b.call(ctx, 2*b.params.CallTimeout, http.MethodPost, base+"/generate/full",
		strings.NewReader(form.Encode()), "application/x-www-form-urlencoded")
	if err != nil {
		return nil, err
	}
	res := FullResult{}
	if err := json.Unmarshal(resp.body, &res); err != nil {
		return nil, fmt.Errorf("failed to decode full pipeline response: %w", err)
	}
	if !res.Success {
		return nil, &ProtocolError{Endpoint: "/generate/full", Status: resp.status, Message: "pipeline reported failure"}
	}
	return &res, nil
}

// Download fetches a generated file, both segments must be plain names
func (b *Bridge) Download(ctx context.Context, jobID, fileName string) ([]byte, error) {
	if err := checkSegment(jobID); err != nil {
		return nil, err
	}
	if err := checkSegment(fileName); err != nil {
		return nil, err
	}
	base, err := b.runningURL()
	if err != nil {
		return nil, err
	}
	resp, err := b.call(ctx, b.params.CallTimeout, http.MethodGet,
		base+"/download/"+url.PathEscape(jobID)+"/"+url.PathEscape(fileName), nil, "")
	if err != nil {
		return nil, err
	}
	return resp.body, nil
}

// ParseDownloadPath splits an engine download path "/download/{job}/{file}" into its segments
func ParseDownloadPath(p string) (jobID, fileName string, err error) {
	rest, ok := strings.CutPrefix(p, "/download/")
	if !ok {
		return "", "", invalidf("not a download path %q", p)
	}
	jobID, fileName, ok = strings.Cut(rest, "/")
	if !ok {
		return "", "", invalidf("not a download path %q", p)
	}
	if err := checkSegment(jobID); err != nil {
		return "", "", err
	}
	if err := checkSegment(fileName); err != nil {
		return "", "", err
	}
	return jobID, fileName, nil
}

// ConvertToFbx converts a GLB mesh to FBX on the engine side
func (b *Bridge) ConvertToFbx(ctx context.Context, req ConvertRequest) (*ConvertResult, error) {
	if len(req.GLB) == 0 {
		return nil, invalidf("empty mesh")
	}
	base, err := b.runningURL()
	if err != nil {
		return nil, err
	}
	body, formType, err := multipartBody(map[string]string{"job_id": req.JobID},
		formFile{field: "mesh", name: "mesh.glb", contentType: "model/gltf-binary", data: req.GLB})
	if err != nil {
		return nil, err
	}
	resp, err := b.call(ctx, b.params.CallTimeout, http.MethodPost, base+"/convert/glb-to-fbx", body, formType)
	if err != nil {
		return nil, err
	}
	res := ConvertResult{}
	if err := json.Unmarshal(resp.body, &res); err != nil {
		return nil, fmt.Errorf("failed to decode conversion response: %w", err)
	}
	if !res.Success {
		return nil, &ProtocolError{Endpoint: "/convert/glb-to-fbx", Status: resp.status, Message: res.Error}
	}
	return &res, nil
}

// ExtractMaterials pulls PBR textures and materials out of a GLB mesh
func (b *Bridge) ExtractMaterials(ctx context.Context, req MaterialsRequest) (*MaterialsResult, error) {
	if len(req.GLB) == 0 {
		return nil, invalidf("empty mesh")
	}
	base, err := b.runningURL()
	if err != nil {
		return nil, err
	}
	fields := map[string]string{"job_id": req.JobID, "preset": req.Preset}
	body, formType, err := multipartBody(fields,
		formFile{field: "mesh", name: "mesh.glb", contentType: "model/gltf-binary", data: req.GLB})
	if err != nil {
		return nil, err
	}
	resp, err := b.call(ctx, b.params.CallTimeout, http.MethodPost, base+"/extract-materials", body, formType)
	if err != nil {
		return nil, err
	}
	res := MaterialsResult{}
	if err := json.Unmarshal(resp.body, &res); err != nil {
		return nil, fmt.Errorf("failed to decode materials response: %w", err)
	}
	if !res.Success {
		return nil, &ProtocolError{Endpoint: "/extract-materials", Status: resp.status, Message: res.Error}
	}
	return &res, nil
}

// MaterialPresets lists material presets known to the engine
func (b *Bridge) MaterialPresets(ctx context.Context) ([]MaterialPreset, error) {
	base, err := b.runningURL()
	if err != nil {
		return nil, err
	}
	resp, err := b.call(ctx, b.params.HealthTimeout, http.MethodGet, base+"/material-presets", nil, "")
	if err != nil {
		return nil, err
	}
	res := struct {
		Presets []MaterialPreset `json:"presets"`
	}{}
	if err := json.Unmarshal(resp.body, &res); err != nil {
		return nil, fmt.Errorf("failed to decode material presets: %w", err)
	}
	return res.Presets, nil
}

// Health queries /health of the running engine
func (b *Bridge) Health(ctx context.Context) (*HealthInfo, error) {
	base, err := b.runningURL()
	if err != nil {
		return nil, err
	}
	return b.health(ctx, base)
}

// EngineStatus returns the engine /status payload as is
func (b *Bridge) EngineStatus(ctx context.Context) (json.RawMessage, error) {
	base, err := b.runningURL()
	if err != nil {
		return nil, err
	}
	resp, err := b.call(ctx, b.params.HealthTimeout, http.MethodGet, base+"/status", nil, "")
	if err != nil {
		return nil, err
	}
	if !json.Valid(resp.body) {
		return nil, errors.New("engine status is not valid json")
	}
	return resp.body, nil
}

func (b *Bridge) health(ctx context.Context, base string) (*HealthInfo, error) {
	resp, err := b.call(ctx, b.params.HealthTimeout, http.MethodGet, base+"/health", nil, "")
	if err != nil {
		return nil, err
	}
	res := HealthInfo{}
	if err := json.Unmarshal(resp.body, &res); err != nil {
		return nil, fmt.Errorf("failed to decode health response: %w", err)
	}
	return &res, nil
}

func (b *Bridge) runningURL() (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != enums.BridgeStateRunning || b.proc == nil {
		return "", fmt.Errorf("%w, state %s", ErrNotRunning, b.state)
	}
	return b.baseURL(b.proc.port), nil
}

func (b *Bridge) artifactCall(ctx context.Context, base, endpoint string, body io.Reader, contentType string) (*ArtifactResult, error) {
	resp, err := b.call(ctx, b.params.CallTimeout, http.MethodPost, base+endpoint, body, contentType)
	if err != nil {
		return nil, err
	}
	res := ArtifactResult{EngineJobID: resp.header.Get("X-Job-Id"), Data: resp.body, FileSize: int64(len(resp.body))}
	if v := resp.header.Get("X-Generation-Time"); v != "" {
		if t, err := strconv.ParseFloat(v, 64); err == nil {
			res.GenerationTime = t
		}
	}
	if v := resp.header.Get("X-File-Size"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			res.FileSize = n
		}
	}
	return &res, nil
}

type engineResponse struct {
	status int
	header http.Header
	body   []byte
}

// call makes a request bounded by timeout, non-2xx answers become *ProtocolError
func (b *Bridge) call(ctx context.Context, timeout time.Duration, method, u string, body io.Reader,
	contentType string) (*engineResponse, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, method, u, body)
	if err != nil {
		return nil, fmt.Errorf("failed to make request %s %s: %w", method, u, err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, fmt.Errorf("%w: %s %s after %v", ErrGenerationTimeout, method, req.URL.Path, timeout)
		}
		return nil, fmt.Errorf("engine request %s %s failed: %w", method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, fmt.Errorf("%w: reading %s after %v", ErrGenerationTimeout, req.URL.Path, timeout)
		}
		return nil, fmt.Errorf("failed to read engine response from %s: %w", req.URL.Path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &ProtocolError{Endpoint: req.URL.Path, Status: resp.StatusCode, Message: errorText(data)}
	}
	return &engineResponse{status: resp.StatusCode, header: resp.Header, body: data}, nil
}

// errorText extracts "detail" from a json error answer, falls back to the raw body
func errorText(body []byte) string {
	var detail struct {
		Detail any `json:"detail"`
	}
	if err := json.Unmarshal(body, &detail); err == nil && detail.Detail != nil {
		if s, ok := detail.Detail.(string); ok {
			return s
		}
		if d, err := json.Marshal(detail.Detail); err == nil {
			return string(d)
		}
	}
	text := strings.TrimSpace(string(body))
	if len(text) > maxErrorBodyLen {
		text = text[:maxErrorBodyLen] + "..."
	}
	if text == "" {
		return "empty response"
	}
	return text
}

type formFile struct {
	field, name, contentType string
	data                     []byte
}

func multipartBody(fields map[string]string, file formFile) (io.Reader, string, error) {
	buf := &bytes.Buffer{}
	w := multipart.NewWriter(buf)
	for k, v := range fields {
		if v == "" {
			continue
		}
		if err := w.WriteField(k, v); err != nil {
			return nil, "", fmt.Errorf("failed to write field %s: %w", k, err)
		}
	}
	h := textproto.MIMEHeader{}
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, file.field, file.name))
	h.Set("Content-Type", file.contentType)
	part, err := w.CreatePart(h)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create part %s: %w", file.field, err)
	}
	if _, err := part.Write(file.data); err != nil {
		return nil, "", fmt.Errorf("failed to write part %s: %w", file.field, err)
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to close multipart body: %w", err)
	}
	return buf, w.FormDataContentType(), nil
}

// ValidateImage checks an input image for mesh generation and returns its content type
func ValidateImage(data []byte) (string, error) {
	if len(data) == 0 {
		return "", invalidf("empty image")
	}
	if len(data) > MaxImageBytes {
		return "", invalidf("image is %d bytes, max %d", len(data), MaxImageBytes)
	}
	contentType := http.DetectContentType(data)
	switch contentType {
	case "image/png", "image/jpeg", "image/webp":
		return contentType, nil
	default:
		return "", invalidf("unsupported image type %s, use png, jpeg or webp", contentType)
	}
}

// ValidateOptions checks image size and sampling steps, zero values mean engine defaults
func ValidateOptions(width, height, steps int) error {
	return errors.Join(
		validateRange("width", width, MinDimension, MaxDimension),
		validateRange("height", height, MinDimension, MaxDimension),
		validateRange("steps", steps, MinSteps, MaxSteps),
	)
}

// ValidatePrompt checks prompt length, leading and trailing spaces are not counted
func ValidatePrompt(prompt string) error {
	trimmed := strings.TrimSpace(prompt)
	if utf8.RuneCountInString(trimmed) < MinPromptLen {
		return invalidf("prompt must be at least %d characters", MinPromptLen)
	}
	if utf8.RuneCountInString(prompt) > MaxPromptLen {
		return invalidf("prompt must be under %d characters", MaxPromptLen)
	}
	return nil
}

// validateRange accepts zero as "engine default"
func validateRange(name string, v, lo, hi int) error {
	if v == 0 {
		return nil
	}
	if v < lo || v > hi {
		return invalidf("%s must be between %d and %d, got %d", name, lo, hi, v)
	}
	return nil
}

func checkSegment(s string) error {
	if s == "" || strings.Contains(s, "..") || strings.ContainsAny(s, `/\`) {
		return fmt.Errorf("%w: %q", ErrPathTraversal, s)
	}
	return nil
}

func setInt(form url.Values, key string, v int) {
	if v != 0 {
		form.Set(key, strconv.Itoa(v))
	}
}

func extByType(contentType string) string {
	switch contentType {
	case "image/jpeg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	default:
		return ".png"
	}
}
