package remote

import (
	"testing"

	"gopkg.in/yaml.v3"

	"github.com/flemzord/snaphost/internal/core"
	"github.com/flemzord/snaphost/internal/execution"
	"github.com/flemzord/snaphost/internal/security"
)

func TestModule_RegistersEnvironmentAndToken(t *testing.T) {
	t.Parallel()

	var doc yaml.Node
	if err := yaml.Unmarshal([]byte("url: ws://127.0.0.1:9000/jobs\ntoken: remote-token-1\n"), &doc); err != nil {
		t.Fatal(err)
	}
	m := &Module{}
	if err := m.Configure(doc.Content[0]); err != nil {
		t.Fatal(err)
	}

	appCtx := core.NewAppContext(nil, t.TempDir())
	creds := security.NewCredentialStore()
	appCtx.RegisterService(core.ServiceCredentials, creds)

	if err := m.Provision(appCtx.ForModule("environment.remote")); err != nil {
		t.Fatal(err)
	}
	if err := m.Validate(); err != nil {
		t.Fatal(err)
	}
	if _, err := core.ServiceAs[execution.Environment](appCtx, execution.EnvironmentService); err != nil {
		t.Error(err)
	}
	if v, _ := creds.Get("environment.remote.token"); v != "remote-token-1" {
		t.Errorf("token credential = %q", v)
	}
}
