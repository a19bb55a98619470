// Package proxmox adapts the hypervisor capability set onto the Proxmox VE
// REST API. Every call is synchronous; long-running node tasks are awaited by
// the API itself before the call returns.
package proxmox

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/stencil-vm/stencil/internal/hypervisor"
	"github.com/stencil-vm/stencil/internal/logging"
)

var _ hypervisor.Client = (*Client)(nil)

// Client talks to a single Proxmox node using API token authentication.
type Client struct {
	// BaseURL is the API root, e.g. "https://pve.example:8006/api2/json".
	BaseURL string
	// TokenID has the form "user@realm!tokenid".
	TokenID string
	Secret  string
	// Node is the node name all VM operations are scoped to.
	Node string

	HTTPClient *http.Client
	Logger     *slog.Logger
}

// New builds a client for the given endpoint. When insecure is set,
// certificate verification is skipped (self-signed lab clusters).
func New(baseURL, tokenID, secret, node string, insecure bool) *Client {
	transport := http.DefaultTransport
	if insecure {
		transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	}
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		TokenID:    tokenID,
		Secret:     secret,
		Node:       node,
		HTTPClient: &http.Client{Transport: transport},
	}
}

func (c *Client) logger() *slog.Logger {
	return logging.Ensure(c.Logger).With("component", "proxmox")
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

// envelope is the {"data": ...} wrapper every API response uses.
type envelope struct {
	Data json.RawMessage `json:"data"`
}

func (c *Client) do(ctx context.Context, op, method, path string, form url.Values, out any) error {
	var body io.Reader
	contentType := ""
	if form != nil {
		body = strings.NewReader(form.Encode())
		contentType = "application/x-www-form-urlencoded"
	}

	request, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", op, err)
	}
	if contentType != "" {
		request.Header.Set("Content-Type", contentType)
	}
	request.Header.Set("Authorization", fmt.Sprintf("PVEAPIToken=%s=%s", c.TokenID, c.Secret))

	response, err := c.httpClient().Do(request)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer response.Body.Close()

	payload, err := io.ReadAll(response.Body)
	if err != nil {
		return fmt.Errorf("%s: read response: %w", op, err)
	}

	if response.StatusCode < 200 || response.StatusCode > 299 {
		return &hypervisor.APIError{
			Op:         op,
			StatusCode: response.StatusCode,
			Message:    strings.TrimSpace(string(payload)),
		}
	}

	if out == nil {
		return nil
	}

	var wrapped envelope
	if err := json.Unmarshal(payload, &wrapped); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	if err := json.Unmarshal(wrapped.Data, out); err != nil {
		return fmt.Errorf("%s: decode data: %w", op, err)
	}
	return nil
}

func (c *Client) vmPath(id hypervisor.VMID, suffix string) string {
	return fmt.Sprintf("/nodes/%s/qemu/%d%s", c.Node, int(id), suffix)
}

// NextID asks the cluster for the next free VM identifier.
func (c *Client) NextID(ctx context.Context) (hypervisor.VMID, error) {
	var raw string
	if err := c.do(ctx, "next id", http.MethodGet, "/cluster/nextid", nil, &raw); err != nil {
		return 0, err
	}
	id, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("next id: unexpected identifier %q: %w", raw, err)
	}
	return hypervisor.VMID(id), nil
}

// Create allocates the VM shell.
func (c *Client) Create(ctx context.Context, id hypervisor.VMID, opts hypervisor.CreateOptions) error {
	form := url.Values{}
	form.Set("vmid", strconv.Itoa(int(id)))
	form.Set("name", opts.Name)
	form.Set("memory", strconv.Itoa(opts.MemoryMB))
	form.Set("cores", strconv.Itoa(opts.CPUCores))
	if opts.NetworkDevice != "" {
		form.Set("net0", opts.NetworkDevice)
	}
	return c.do(ctx, "create vm", http.MethodPost, fmt.Sprintf("/nodes/%s/qemu", c.Node), form, nil)
}

// SetProperties applies arbitrary VM properties.
func (c *Client) SetProperties(ctx context.Context, id hypervisor.VMID, props hypervisor.Config) error {
	form := url.Values{}
	for key, value := range props {
		form.Set(key, value)
	}
	return c.do(ctx, "set properties", http.MethodPost, c.vmPath(id, "/config"), form, nil)
}

// GetConfig retrieves the VM's property bag. Values are flattened to strings.
func (c *Client) GetConfig(ctx context.Context, id hypervisor.VMID) (hypervisor.Config, error) {
	var raw map[string]any
	if err := c.do(ctx, "get config", http.MethodGet, c.vmPath(id, "/config"), nil, &raw); err != nil {
		return nil, err
	}

	config := make(hypervisor.Config, len(raw))
	for key, value := range raw {
		switch v := value.(type) {
		case string:
			config[key] = v
		case float64:
			config[key] = strconv.FormatFloat(v, 'f', -1, 64)
		case bool:
			config[key] = strconv.FormatBool(v)
		default:
			config[key] = fmt.Sprint(v)
		}
	}
	return config, nil
}

// ImportDisk attaches the node-local image as scsi0, importing it into the
// pool. The image must already be present on the node.
func (c *Client) ImportDisk(ctx context.Context, id hypervisor.VMID, pool, imagePath string) (string, error) {
	const disk = "scsi0"
	form := url.Values{}
	form.Set("scsihw", "virtio-scsi-pci")
	form.Set(disk, fmt.Sprintf("%s:0,import-from=%s", pool, imagePath))
	if err := c.do(ctx, "import disk", http.MethodPost, c.vmPath(id, "/config"), form, nil); err != nil {
		return "", err
	}
	return disk, nil
}

// ResizeDisk grows the named disk to an absolute size in gigabytes.
func (c *Client) ResizeDisk(ctx context.Context, id hypervisor.VMID, disk string, sizeGB int) error {
	form := url.Values{}
	form.Set("disk", disk)
	form.Set("size", fmt.Sprintf("%dG", sizeGB))
	return c.do(ctx, "resize disk", http.MethodPut, c.vmPath(id, "/resize"), form, nil)
}

// ConvertToTemplate marks the VM as a template. There is no inverse call.
func (c *Client) ConvertToTemplate(ctx context.Context, id hypervisor.VMID) error {
	return c.do(ctx, "convert to template", http.MethodPost, c.vmPath(id, "/template"), url.Values{}, nil)
}

// Clone duplicates the VM into newID as a full clone.
func (c *Client) Clone(ctx context.Context, id, newID hypervisor.VMID, name string) error {
	form := url.Values{}
	form.Set("newid", strconv.Itoa(int(newID)))
	form.Set("name", name)
	form.Set("full", "1")
	return c.do(ctx, "clone", http.MethodPost, c.vmPath(id, "/clone"), form, nil)
}

// Destroy removes the VM and its disks.
func (c *Client) Destroy(ctx context.Context, id hypervisor.VMID) error {
	return c.do(ctx, "destroy", http.MethodDelete, c.vmPath(id, "?purge=1&destroy-unreferenced-disks=1"), nil, nil)
}

// Start powers the VM on.
func (c *Client) Start(ctx context.Context, id hypervisor.VMID) error {
	return c.do(ctx, "start", http.MethodPost, c.vmPath(id, "/status/start"), url.Values{}, nil)
}

// Stop powers the VM off without guest shutdown.
func (c *Client) Stop(ctx context.Context, id hypervisor.VMID) error {
	return c.do(ctx, "stop", http.MethodPost, c.vmPath(id, "/status/stop"), url.Values{}, nil)
}

// Status returns the VM's current run state.
func (c *Client) Status(ctx context.Context, id hypervisor.VMID) (string, error) {
	var status struct {
		Status string `json:"status"`
	}
	if err := c.do(ctx, "status", http.MethodGet, c.vmPath(id, "/status/current"), nil, &status); err != nil {
		return "", err
	}
	return status.Status, nil
}

// AgentPing succeeds once the guest agent answers.
func (c *Client) AgentPing(ctx context.Context, id hypervisor.VMID) error {
	return c.do(ctx, "agent ping", http.MethodPost, c.vmPath(id, "/agent/ping"), url.Values{}, nil)
}

// List returns every VM and template on the node.
func (c *Client) List(ctx context.Context) ([]hypervisor.VMInfo, error) {
	var rows []struct {
		VMID     int    `json:"vmid"`
		Name     string `json:"name"`
		Status   string `json:"status"`
		Template int    `json:"template"`
	}
	if err := c.do(ctx, "list vms", http.MethodGet, fmt.Sprintf("/nodes/%s/qemu", c.Node), nil, &rows); err != nil {
		return nil, err
	}

	infos := make([]hypervisor.VMInfo, 0, len(rows))
	for _, row := range rows {
		infos = append(infos, hypervisor.VMInfo{
			ID:         hypervisor.VMID(row.VMID),
			Name:       row.Name,
			Status:     row.Status,
			IsTemplate: row.Template == 1,
		})
	}
	return infos, nil
}

// ListPools returns the node's storage pools with their content types.
func (c *Client) ListPools(ctx context.Context) ([]hypervisor.StoragePool, error) {
	var rows []struct {
		Storage string `json:"storage"`
		Content string `json:"content"`
	}
	if err := c.do(ctx, "list pools", http.MethodGet, fmt.Sprintf("/nodes/%s/storage", c.Node), nil, &rows); err != nil {
		return nil, err
	}

	pools := make([]hypervisor.StoragePool, 0, len(rows))
	for _, row := range rows {
		pool := hypervisor.StoragePool{ID: row.Storage}
		for _, content := range strings.Split(row.Content, ",") {
			if content = strings.TrimSpace(content); content != "" {
				pool.Content = append(pool.Content, content)
			}
		}
		pools = append(pools, pool)
	}
	return pools, nil
}

// UploadFile stores a file in the pool's area for the given content type and
// returns the pool-relative path ("snippets/<name>" or "iso/<name>").
func (c *Client) UploadFile(ctx context.Context, pool, content, filename string, data []byte) (string, error) {
	op := "upload file"

	var buffer bytes.Buffer
	writer := multipart.NewWriter(&buffer)
	if err := writer.WriteField("content", content); err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	part, err := writer.CreateFormFile("filename", filename)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	if _, err := part.Write(data); err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}

	path := fmt.Sprintf("/nodes/%s/storage/%s/upload", c.Node, url.PathEscape(pool))
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, &buffer)
	if err != nil {
		return "", fmt.Errorf("%s: build request: %w", op, err)
	}
	request.Header.Set("Content-Type", writer.FormDataContentType())
	request.Header.Set("Authorization", fmt.Sprintf("PVEAPIToken=%s=%s", c.TokenID, c.Secret))

	response, err := c.httpClient().Do(request)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode > 299 {
		body, _ := io.ReadAll(response.Body)
		return "", &hypervisor.APIError{
			Op:         op,
			StatusCode: response.StatusCode,
			Message:    strings.TrimSpace(string(body)),
		}
	}

	c.logger().Debug("uploaded file", "pool", pool, "content", content, "filename", filename)
	return fmt.Sprintf("%s/%s", content, filename), nil
}

// DeleteFile removes an uploaded file by its pool-relative path.
func (c *Client) DeleteFile(ctx context.Context, pool, path string) error {
	volume := url.PathEscape(fmt.Sprintf("%s:%s", pool, path))
	return c.do(ctx, "delete file", http.MethodDelete,
		fmt.Sprintf("/nodes/%s/storage/%s/content/%s", c.Node, url.PathEscape(pool), volume), nil, nil)
}
