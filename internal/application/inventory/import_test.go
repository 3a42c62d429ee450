package inventory

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domain "github.com/bryanwahyu/automaton-hardening/internal/domain/scans"
	"github.com/bryanwahyu/automaton-hardening/internal/infra/db/sqlite"
	"github.com/bryanwahyu/automaton-hardening/internal/infra/db/sqlstore"
)

const sample = `
workloads:
  - name: linux-base
    description: CIS level 1
    rules:
      - name: password complexity
        command: grep credit /etc/security/pwquality.conf
        parameters:
          ucredit: -1
          lcredit: -1
          docs: CIS 5.4.1
      - name: ssh max auth tries
        command: sshd -T | grep -i maxauthtries
        parameters:
          maxauthtries: {op: range, max: 4}
      - name: legacy check
        command: "true"
        active: false
hosts:
  - hostname: web-1
    address: 10.0.0.1
    workload: linux-base
    username: audit
    privateKeyFile: keys/web-1.pem
  - hostname: spare
    address: 10.0.0.9
    sshPort: 2222
    active: false
`

func writeInventory(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "keys"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "keys", "web-1.pem"), []byte("-----BEGIN KEY-----"), 0o600))
	path := filepath.Join(dir, "inventory.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestImport(t *testing.T) {
	ctx := context.Background()
	db, err := sqlite.Open(ctx, filepath.Join(t.TempDir(), "inv.db"))
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, sqlstore.Migrate(ctx, db, sqlstore.SQLite))
	repo := sqlstore.NewInventoryRepository(db, sqlstore.SQLite)

	f, err := Load(writeInventory(t, sample))
	require.NoError(t, err)
	res, err := Import(ctx, repo, f)
	require.NoError(t, err)
	assert.Equal(t, Result{Workloads: 1, Rules: 3, Hosts: 2}, res)

	page, err := repo.ListHosts(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, page.Hosts, 1, "inactive host is not listed")
	web := page.Hosts[0]
	assert.Equal(t, "web-1", web.Hostname)
	assert.Equal(t, 22, web.SSHPort)
	assert.Equal(t, "linux-base", web.WorkloadName)
	assert.Equal(t, "-----BEGIN KEY-----", web.Credentials.PrivateKey)

	active, err := repo.ActiveRules(ctx, web.WorkloadID)
	require.NoError(t, err)
	assert.Len(t, active, 2)
	var names []string
	for _, r := range active {
		names = append(names, r.Name)
	}
	assert.NotContains(t, names, "legacy check")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		file File
		want string
	}{
		{
			name: "unknown workload",
			file: File{Hosts: []Host{{Hostname: "a", Address: "10.0.0.1", Workload: "db"}}},
			want: "unknown workload",
		},
		{
			name: "duplicate workload",
			file: File{Workloads: []Workload{{Name: "w"}, {Name: "w"}}},
			want: "defined twice",
		},
		{
			name: "bad parameters",
			file: File{Workloads: []Workload{{Name: "w", Rules: []Rule{{Name: "r", Parameters: map[string]any{"x": map[string]any{"op": "pattern", "value": "("}}}}}}},
			want: `rule "r"`,
		},
		{
			name: "missing address",
			file: File{Hosts: []Host{{Hostname: "a"}}},
			want: "hostname and address",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.file.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

type failingStore struct{ hosts int }

func (s *failingStore) CreateWorkload(context.Context, string, string) (int64, error) { return 1, nil }
func (s *failingStore) CreateRule(context.Context, *domain.Rule) error                { return nil }
func (s *failingStore) CreateHost(context.Context, *domain.HostTarget) error {
	s.hosts++
	return os.ErrPermission
}

func TestImportStopsOnStoreError(t *testing.T) {
	f := &File{Hosts: []Host{{Hostname: "a", Address: "10.0.0.1"}, {Hostname: "b", Address: "10.0.0.2"}}}
	st := &failingStore{}
	res, err := Import(context.Background(), st, f)
	require.ErrorIs(t, err, os.ErrPermission)
	assert.Zero(t, res.Hosts)
	assert.Equal(t, 1, st.hosts)
}
