package watcher

import (
	"fmt"
	"reflect"

	"github.com/opendatalabs/databridge/internal/config"
)

// BuildConfigChangeDetails lists human readable changes between two configurations.
// Secrets are reported as changed without their values.
func BuildConfigChangeDetails(oldCfg, newCfg *config.Config) []string {
	if oldCfg == nil || newCfg == nil {
		return nil
	}
	var details []string
	add := func(name string, oldValue, newValue any) {
		if !reflect.DeepEqual(oldValue, newValue) {
			details = append(details, fmt.Sprintf("%s: %v -> %v", name, oldValue, newValue))
		}
	}
	secret := func(name, oldValue, newValue string) {
		if oldValue != newValue {
			details = append(details, name+": updated")
		}
	}

	add("host", oldCfg.Host, newCfg.Host)
	add("port", oldCfg.Port, newCfg.Port)
	add("debug", oldCfg.Debug, newCfg.Debug)
	add("logging-to-file", oldCfg.LoggingToFile, newCfg.LoggingToFile)
	add("logs-max-total-size-mb", oldCfg.LogsMaxTotalSizeMB, newCfg.LogsMaxTotalSizeMB)
	add("proxy-url", oldCfg.ProxyURL, newCfg.ProxyURL)

	add("auth.external-url", oldCfg.Auth.ExternalURL, newCfg.Auth.ExternalURL)
	add("auth.callback-ports", oldCfg.Auth.CallbackPorts, newCfg.Auth.CallbackPorts)
	add("auth.state-ttl", oldCfg.Auth.StateTTL, newCfg.Auth.StateTTL)
	add("auth.max-body-bytes", oldCfg.Auth.MaxBodyBytes, newCfg.Auth.MaxBodyBytes)
	add("auth.focus-app", oldCfg.Auth.FocusApp, newCfg.Auth.FocusApp)

	add("gateway.url", oldCfg.Gateway.URL, newCfg.Gateway.URL)
	add("gateway.connect-timeout", oldCfg.Gateway.ConnectTimeout, newCfg.Gateway.ConnectTimeout)
	add("gateway.request-timeout", oldCfg.Gateway.RequestTimeout, newCfg.Gateway.RequestTimeout)

	add("sidecar.resource-dir", oldCfg.Sidecar.ResourceDir, newCfg.Sidecar.ResourceDir)
	add("sidecar.dev-dir", oldCfg.Sidecar.DevDir, newCfg.Sidecar.DevDir)
	add("sidecar.config-dir", oldCfg.Sidecar.ConfigDir, newCfg.Sidecar.ConfigDir)
	add("sidecar.node-binary", oldCfg.Sidecar.NodeBinary, newCfg.Sidecar.NodeBinary)
	add("sidecar.preferred-ports", oldCfg.Sidecar.PreferredPorts, newCfg.Sidecar.PreferredPorts)

	add("runner.resource-dir", oldCfg.Runner.ResourceDir, newCfg.Runner.ResourceDir)
	add("runner.dev-dir", oldCfg.Runner.DevDir, newCfg.Runner.DevDir)
	add("runner.node-binary", oldCfg.Runner.NodeBinary, newCfg.Runner.NodeBinary)
	add("runner.headless", oldCfg.Runner.HeadlessDefault(), newCfg.Runner.HeadlessDefault())

	add("archive.spool-dir", oldCfg.Archive.SpoolDir, newCfg.Archive.SpoolDir)
	oldStore, newStore := oldCfg.Archive.ObjectStore, newCfg.Archive.ObjectStore
	add("archive.object-store.endpoint", oldStore.Endpoint, newStore.Endpoint)
	add("archive.object-store.bucket", oldStore.Bucket, newStore.Bucket)
	add("archive.object-store.region", oldStore.Region, newStore.Region)
	add("archive.object-store.prefix", oldStore.Prefix, newStore.Prefix)
	add("archive.object-store.use-ssl", oldStore.UseSSL, newStore.UseSSL)
	add("archive.object-store.path-style", oldStore.PathStyle, newStore.PathStyle)
	secret("archive.object-store.access-key", oldStore.AccessKey, newStore.AccessKey)
	secret("archive.object-store.secret-key", oldStore.SecretKey, newStore.SecretKey)
	secret("archive.postgres.dsn", oldCfg.Archive.Postgres.DSN, newCfg.Archive.Postgres.DSN)
	add("archive.postgres.schema", oldCfg.Archive.Postgres.Schema, newCfg.Archive.Postgres.Schema)
	add("archive.postgres.table", oldCfg.Archive.Postgres.Table, newCfg.Archive.Postgres.Table)
	return details
}
