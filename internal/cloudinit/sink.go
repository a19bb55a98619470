package cloudinit

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/kdomanski/iso9660"

	"github.com/stencil-vm/stencil/internal/hypervisor"
)

var (
	_ UploadSink = (*SnippetSink)(nil)
	_ UploadSink = (*SeedISOSink)(nil)
)

// SnippetSink uploads payloads into a storage pool's snippet area. This is
// the preferred sink: the hypervisor reads the payload directly by its
// "storage:snippets/name" reference.
type SnippetSink struct {
	Client  hypervisor.Client
	Storage string
}

// Upload stores the payload as a snippet and returns its reference.
func (s *SnippetSink) Upload(ctx context.Context, filename string, data []byte) (Ref, error) {
	if s.Storage == "" {
		return Ref{}, fmt.Errorf("snippet storage pool is not configured")
	}

	path, err := s.Client.UploadFile(ctx, s.Storage, "snippets", filename, data)
	if err != nil {
		return Ref{}, err
	}
	return Ref{Storage: s.Storage, Path: path}, nil
}

// SeedISOSink wraps the payload into a NoCloud seed image ("cidata" volume
// with user-data and meta-data files) and uploads it into the pool's ISO
// area. Used when no pool on the node accepts snippet content; the image is
// attached to the VM as a CD-ROM instead of a snippet reference.
type SeedISOSink struct {
	Client  hypervisor.Client
	Storage string
	// Hostname seeds the meta-data document. Empty falls back to the seed
	// image name.
	Hostname string
}

// Upload builds the seed image and stores it as ISO content.
func (s *SeedISOSink) Upload(ctx context.Context, filename string, data []byte) (Ref, error) {
	if s.Storage == "" {
		return Ref{}, fmt.Errorf("seed iso storage pool is not configured")
	}

	name := strings.TrimSuffix(filename, ".yaml")
	hostname := s.Hostname
	if hostname == "" {
		hostname = name
	}

	image, err := buildSeedImage(data, name, hostname)
	if err != nil {
		return Ref{}, err
	}

	path, err := s.Client.UploadFile(ctx, s.Storage, "iso", name+".iso", image)
	if err != nil {
		return Ref{}, err
	}
	return Ref{Storage: s.Storage, Path: path}, nil
}

// buildSeedImage assembles the ISO-9660 image cloud-init's NoCloud datasource
// expects: user-data and meta-data at the root, volume labeled "cidata".
func buildSeedImage(userData []byte, instanceID, hostname string) ([]byte, error) {
	writer, err := iso9660.NewWriter()
	if err != nil {
		return nil, fmt.Errorf("create iso writer: %w", err)
	}
	defer writer.Cleanup()

	if err := writer.AddFile(bytes.NewReader(userData), "user-data"); err != nil {
		return nil, fmt.Errorf("stage user-data: %w", err)
	}

	metaData := fmt.Sprintf("instance-id: %s\nlocal-hostname: %s\n", instanceID, hostname)
	if err := writer.AddFile(strings.NewReader(metaData), "meta-data"); err != nil {
		return nil, fmt.Errorf("stage meta-data: %w", err)
	}

	var image bytes.Buffer
	if err := writer.WriteTo(&image, "cidata"); err != nil {
		return nil, fmt.Errorf("write iso: %w", err)
	}
	return image.Bytes(), nil
}
