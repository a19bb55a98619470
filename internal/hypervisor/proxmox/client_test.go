package proxmox

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stencil-vm/stencil/internal/hypervisor"
)

func testClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client := New(server.URL, "root@pam!stencil", "secret", "pve1", false)
	client.HTTPClient = server.Client()
	return client
}

func TestNextID(t *testing.T) {
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/cluster/nextid" {
			t.Fatalf("path = %q", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "PVEAPIToken=root@pam!stencil=secret" {
			t.Fatalf("authorization header = %q", auth)
		}
		fmt.Fprint(w, `{"data":"105"}`)
	}))

	id, err := client.NextID(context.Background())
	if err != nil {
		t.Fatalf("NextID() error = %v", err)
	}
	if id != 105 {
		t.Fatalf("NextID() = %d, want 105", id)
	}
}

func TestAPIErrorCarriesStatusAndBody(t *testing.T) {
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such resource", http.StatusInternalServerError)
	}))

	_, err := client.NextID(context.Background())
	if err == nil {
		t.Fatalf("expected error")
	}

	var apiErr *hypervisor.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error type = %T, want *hypervisor.APIError", err)
	}
	if apiErr.StatusCode != http.StatusInternalServerError {
		t.Fatalf("StatusCode = %d", apiErr.StatusCode)
	}
}

func TestCreateSendsShellProperties(t *testing.T) {
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/nodes/pve1/qemu" {
			t.Fatalf("%s %s", r.Method, r.URL.Path)
		}
		if err := r.ParseForm(); err != nil {
			t.Fatalf("parse form: %v", err)
		}
		for key, want := range map[string]string{
			"vmid":   "200",
			"name":   "web01",
			"memory": "2048",
			"cores":  "2",
			"net0":   "virtio,bridge=vmbr0",
		} {
			if got := r.PostForm.Get(key); got != want {
				t.Fatalf("form[%s] = %q, want %q", key, got, want)
			}
		}
		fmt.Fprint(w, `{"data":null}`)
	}))

	err := client.Create(context.Background(), 200, hypervisor.CreateOptions{
		Name:          "web01",
		MemoryMB:      2048,
		CPUCores:      2,
		NetworkDevice: "virtio,bridge=vmbr0",
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
}

func TestListPoolsSplitsContentTypes(t *testing.T) {
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"data":[
			{"storage":"local","content":"iso,vztmpl,snippets"},
			{"storage":"local-lvm","content":"images,rootdir"}
		]}`)
	}))

	pools, err := client.ListPools(context.Background())
	if err != nil {
		t.Fatalf("ListPools() error = %v", err)
	}
	if len(pools) != 2 {
		t.Fatalf("pool count = %d", len(pools))
	}
	if !pools[0].Accepts("snippets") {
		t.Fatalf("local should accept snippets: %v", pools[0].Content)
	}
	if pools[0].Accepts("images") {
		t.Fatalf("local should not accept images: %v", pools[0].Content)
	}
	if !pools[1].Accepts("images") {
		t.Fatalf("local-lvm should accept images: %v", pools[1].Content)
	}
}

func TestListMarksTemplates(t *testing.T) {
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"data":[
			{"vmid":100,"name":"web01","status":"stopped","template":1},
			{"vmid":101,"name":"scratch","status":"running","template":0}
		]}`)
	}))

	infos, err := client.List(context.Background())
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if !infos[0].IsTemplate || infos[1].IsTemplate {
		t.Fatalf("template flags wrong: %+v", infos)
	}
}

func TestUploadFileReturnsPoolRelativePath(t *testing.T) {
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/nodes/pve1/storage/local/upload" {
			t.Fatalf("path = %q", r.URL.Path)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Fatalf("parse multipart: %v", err)
		}
		if got := r.FormValue("content"); got != "snippets" {
			t.Fatalf("content = %q", got)
		}
		file, header, err := r.FormFile("filename")
		if err != nil {
			t.Fatalf("form file: %v", err)
		}
		defer file.Close()
		if header.Filename != "ci-web01.yaml" {
			t.Fatalf("filename = %q", header.Filename)
		}
		fmt.Fprint(w, `{"data":"ok"}`)
	}))

	path, err := client.UploadFile(context.Background(), "local", "snippets", "ci-web01.yaml", []byte("#cloud-config\n"))
	if err != nil {
		t.Fatalf("UploadFile() error = %v", err)
	}
	if path != "snippets/ci-web01.yaml" {
		t.Fatalf("path = %q", path)
	}
}

func TestResizeDiskUsesAbsoluteGigabytes(t *testing.T) {
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut || r.URL.Path != "/nodes/pve1/qemu/200/resize" {
			t.Fatalf("%s %s", r.Method, r.URL.Path)
		}
		if err := r.ParseForm(); err != nil {
			t.Fatalf("parse form: %v", err)
		}
		if got := r.PostForm.Get("size"); got != "32G" {
			t.Fatalf("size = %q", got)
		}
		fmt.Fprint(w, `{"data":null}`)
	}))

	if err := client.ResizeDisk(context.Background(), 200, "scsi0", 32); err != nil {
		t.Fatalf("ResizeDisk() error = %v", err)
	}
}
