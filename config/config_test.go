package config

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caio-sobreiro/dicomrelay/chunk"
	"github.com/caio-sobreiro/dicomrelay/subject"
	"github.com/caio-sobreiro/dicomrelay/types"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(viper.New(), "")
	require.NoError(t, err)

	assert.Equal(t, "nats://127.0.0.1:4222", cfg.Bus.URL)
	assert.Equal(t, 30*time.Second, cfg.Bus.ReplyTimeout)
	assert.Equal(t, chunk.DefaultSize, cfg.Bus.ChunkSize)
	assert.Equal(t, chunk.CompressionNone, cfg.Bus.CompressionAlgorithm())
	assert.Equal(t, "dicomrelay", cfg.Bus.QueueGroup)
	assert.Equal(t, ":11112", cfg.Proxy.Listen)
	assert.Equal(t, uint32(16384), cfg.Service.MaxPDULength)
	assert.Equal(t, 15*time.Minute, cfg.Service.SubscriberIdleTimeout)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.NoError(t, cfg.Bus.Scheme().Validate())
	assert.Equal(t, subject.ChannelA, cfg.Bus.Scheme().Channel)
}

func TestLoad_FileAndEnvironment(t *testing.T) {
	path := writeFile(t, "dicomrelay.yaml", `
bus:
  url: nats://bus:4222
  subject_root: imaging.dimse
  channel: B
  reply_timeout: 45s
  compression: zstd
proxy:
  ae_title: EDGE
  admission:
    rate: 2.5
    burst: 5
service:
  target:
    address: pacs:104
log:
  format: json
`)
	t.Setenv("DICOMRELAY_BUS_CHUNK_SIZE", "65536")
	t.Setenv("DICOMRELAY_SERVICE_TARGET_AE_TITLE", "PACS")
	t.Setenv("DICOMRELAY_LOG_LEVEL", "debug")

	cfg, err := Load(viper.New(), path)
	require.NoError(t, err)

	assert.Equal(t, "nats://bus:4222", cfg.Bus.URL)
	assert.Equal(t, "imaging.dimse.B.7", cfg.Bus.Scheme().AssociationID(7))
	assert.Equal(t, 45*time.Second, cfg.Bus.ReplyTimeout)
	assert.Equal(t, chunk.CompressionZstd, cfg.Bus.CompressionAlgorithm())
	assert.Equal(t, 65536, cfg.Bus.ChunkSize, "environment overrides defaults")
	assert.Equal(t, "EDGE", cfg.Proxy.AETitle)
	assert.Equal(t, Admission{Rate: 2.5, Burst: 5}, cfg.Proxy.Admission)
	assert.Equal(t, Target{Address: "pacs:104", AETitle: "PACS"}, cfg.Service.Target)
	assert.Equal(t, Log{Level: "debug", Format: "json"}, cfg.Log)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"wildcard channel", "bus:\n  channel: '*'\n"},
		{"dotted channel", "bus:\n  channel: a.b\n"},
		{"free-form channel", "bus:\n  channel: site1\n"},
		{"zero reply timeout", "bus:\n  reply_timeout: 0s\n"},
		{"negative chunk size", "bus:\n  chunk_size: -1\n"},
		{"unknown compression", "bus:\n  compression: brotli\n"},
		{"negative admission", "proxy:\n  admission:\n    rate: -1\n"},
		{"unknown level", "log:\n  level: trace\n"},
		{"unknown format", "log:\n  format: xml\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(viper.New(), writeFile(t, "c.yaml", tt.yaml))
			assert.Error(t, err)
		})
	}

	_, err := Load(viper.New(), filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestClientConfig(t *testing.T) {
	b := Bus{URL: "nats://x:4222", Token: "secret", ConnectWait: 3 * time.Second, SubjectRoot: "DIMSE", Channel: "A"}
	cfg, err := b.ClientConfig("dicomrelay-proxy")
	require.NoError(t, err)
	assert.Equal(t, "dicomrelay-proxy", cfg.Name)
	assert.Equal(t, "secret", cfg.Token)
	assert.Equal(t, 3*time.Second, cfg.ConnectWait)
	assert.Equal(t, "DIMSE.B._INBOX", cfg.InboxPrefix, "replies come back on the other channel")
	assert.Nil(t, cfg.TLS)
}

func TestTLSBuild(t *testing.T) {
	cfg, err := TLS{}.Build()
	require.NoError(t, err)
	assert.Nil(t, cfg)

	cfg, err = TLS{Enabled: true, InsecureSkipVerify: true}.Build()
	require.NoError(t, err)
	assert.True(t, cfg.InsecureSkipVerify)

	_, err = TLS{Enabled: true, CertFile: "client.pem"}.Build()
	assert.Error(t, err, "key file missing")

	_, err = TLS{Enabled: true, CAFile: writeFile(t, "ca.pem", "not a certificate")}.Build()
	assert.Error(t, err)
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := Log{Level: "warn", Format: "json"}.NewLogger(&buf)
	require.NoError(t, err)
	logger.Info("hidden")
	logger.Warn("shown", "association_id", "a.b.1")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"association_id":"a.b.1"`)

	level, err := ParseLevel("DEBUG")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, level)
}

func TestParseCapabilities(t *testing.T) {
	caps, err := ParseCapabilities([]byte(`
accept_all_storage: false
sop_classes:
  MRImageStorage: 1.2.840.10008.5.1.4.1.1.4
  CTImageStorage: 1.2.840.10008.5.1.4.1.1.2
transfer_syntaxes:
  ImplicitVRLittleEndian: 1.2.840.10008.1.2
`))
	require.NoError(t, err)
	assert.False(t, caps.AcceptAllStorage)
	assert.Equal(t, []string{types.VerificationSOPClass, types.CTImageStorage, types.MRImageStorage}, caps.AbstractSyntaxes)
	assert.Equal(t, []string{types.ImplicitVRLittleEndian}, caps.TransferSyntaxes)

	caps, err = ParseCapabilities(nil)
	require.NoError(t, err)
	assert.True(t, caps.AcceptAllStorage)
	assert.Len(t, caps.TransferSyntaxes, 2)

	for name, doc := range map[string]string{
		"bad uid":       "sop_classes:\n  Bad: 1.2.x\n",
		"unknown field": "abstract_syntaxes: []\n",
		"nothing":       "accept_all_storage: false\n",
	} {
		_, err := ParseCapabilities([]byte(doc))
		assert.Error(t, err, name)
	}
}

func TestLoadCapabilities(t *testing.T) {
	caps, err := LoadCapabilities("")
	require.NoError(t, err)
	assert.True(t, caps.AcceptAllStorage)

	path := writeFile(t, "caps.yaml", "transfer_syntaxes:\n  Explicit: 1.2.840.10008.1.2.1\n")
	caps, err = LoadCapabilities(path)
	require.NoError(t, err)
	assert.Equal(t, []string{types.ExplicitVRLittleEndian}, caps.TransferSyntaxes)

	_, err = LoadCapabilities(filepath.Join(t.TempDir(), "none.yaml"))
	assert.Error(t, err)
}
