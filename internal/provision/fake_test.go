package provision

import (
	"context"
	"fmt"
	"sync"

	"github.com/stencil-vm/stencil/internal/hypervisor"
)

// fakeClient is an in-memory hypervisor used by the orchestrator and
// self-test tests. Ops record their name in order; failures are injected per
// op name.
type fakeClient struct {
	mu sync.Mutex

	nextID hypervisor.VMID
	pools  []hypervisor.StoragePool

	calls     []string
	props     []hypervisor.Config
	created   []hypervisor.VMID
	started   []hypervisor.VMID
	stopped   []hypervisor.VMID
	destroyed []hypervisor.VMID
	deleted   []string
	templated []hypervisor.VMID

	// agentFailures is the number of AgentPing calls that fail before one
	// succeeds; negative means the agent never answers.
	agentFailures int

	failOn map[string]error
}

var _ hypervisor.Client = (*fakeClient)(nil)

func newFakeClient() *fakeClient {
	return &fakeClient{
		nextID: 100,
		pools: []hypervisor.StoragePool{
			{ID: "local", Content: []string{"iso", "snippets"}},
			{ID: "local-lvm", Content: []string{"images", "rootdir"}},
		},
		failOn: map[string]error{},
	}
}

func (f *fakeClient) record(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, op)
	return f.failOn[op]
}

func (f *fakeClient) NextID(context.Context) (hypervisor.VMID, error) {
	if err := f.record("NextID"); err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextID
	f.nextID++
	return id, nil
}

func (f *fakeClient) Create(_ context.Context, id hypervisor.VMID, _ hypervisor.CreateOptions) error {
	if err := f.record("Create"); err != nil {
		return err
	}
	f.created = append(f.created, id)
	return nil
}

func (f *fakeClient) SetProperties(_ context.Context, _ hypervisor.VMID, props hypervisor.Config) error {
	if err := f.record("SetProperties"); err != nil {
		return err
	}
	if _, ok := props["description"]; ok {
		if err := f.failOn["SetTags"]; err != nil {
			return err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.props = append(f.props, props)
	return nil
}

func (f *fakeClient) GetConfig(context.Context, hypervisor.VMID) (hypervisor.Config, error) {
	if err := f.record("GetConfig"); err != nil {
		return nil, err
	}
	return hypervisor.Config{"name": "web01"}, nil
}

func (f *fakeClient) ImportDisk(_ context.Context, _ hypervisor.VMID, pool, _ string) (string, error) {
	if err := f.record("ImportDisk"); err != nil {
		return "", err
	}
	if pool == "" {
		return "", fmt.Errorf("no pool chosen")
	}
	return "scsi0", nil
}

func (f *fakeClient) ResizeDisk(_ context.Context, _ hypervisor.VMID, _ string, _ int) error {
	return f.record("ResizeDisk")
}

func (f *fakeClient) ConvertToTemplate(_ context.Context, id hypervisor.VMID) error {
	if err := f.record("ConvertToTemplate"); err != nil {
		return err
	}
	f.templated = append(f.templated, id)
	return nil
}

func (f *fakeClient) Clone(_ context.Context, _, newID hypervisor.VMID, _ string) error {
	if err := f.record("Clone"); err != nil {
		return err
	}
	f.created = append(f.created, newID)
	return nil
}

func (f *fakeClient) Destroy(_ context.Context, id hypervisor.VMID) error {
	if err := f.record("Destroy"); err != nil {
		return err
	}
	f.destroyed = append(f.destroyed, id)
	return nil
}

func (f *fakeClient) Start(_ context.Context, id hypervisor.VMID) error {
	if err := f.record("Start"); err != nil {
		return err
	}
	f.started = append(f.started, id)
	return nil
}

func (f *fakeClient) Stop(_ context.Context, id hypervisor.VMID) error {
	if err := f.record("Stop"); err != nil {
		return err
	}
	f.stopped = append(f.stopped, id)
	return nil
}

func (f *fakeClient) Status(context.Context, hypervisor.VMID) (string, error) {
	if err := f.record("Status"); err != nil {
		return "", err
	}
	return "running", nil
}

func (f *fakeClient) AgentPing(context.Context, hypervisor.VMID) error {
	if err := f.record("AgentPing"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.agentFailures < 0 {
		return fmt.Errorf("agent not running")
	}
	if f.agentFailures > 0 {
		f.agentFailures--
		return fmt.Errorf("agent not running")
	}
	return nil
}

func (f *fakeClient) List(context.Context) ([]hypervisor.VMInfo, error) {
	if err := f.record("List"); err != nil {
		return nil, err
	}
	return nil, nil
}

func (f *fakeClient) ListPools(context.Context) ([]hypervisor.StoragePool, error) {
	if err := f.record("ListPools"); err != nil {
		return nil, err
	}
	return f.pools, nil
}

func (f *fakeClient) UploadFile(_ context.Context, pool, content, filename string, _ []byte) (string, error) {
	if err := f.record("UploadFile"); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s/%s", content, filename), nil
}

func (f *fakeClient) DeleteFile(_ context.Context, pool, path string) error {
	if err := f.record("DeleteFile"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, fmt.Sprintf("%s:%s", pool, path))
	return nil
}

// callCount returns how often the op was recorded.
func (f *fakeClient) callCount(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, call := range f.calls {
		if call == op {
			count++
		}
	}
	return count
}
