package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{
			name: "valid defaults",
			cfg: Config{
				WorkflowDBURL:              "postgres://localhost/workflow",
				ActivityDefaultMaxAttempts: 1,
				EngineOrchestratorLockMS:   5000,
				EngineActivityLockMS:       300000,
				EngineDispatchIdleMS:       100,
				EngineOrchestrationWorkers: 4,
				EngineActivityWorkers:      8,
			},
			wantErr: false,
		},
		{
			name:    "missing workflow db url",
			cfg:     Config{ActivityDefaultMaxAttempts: 1, EngineOrchestratorLockMS: 1, EngineActivityLockMS: 1, EngineDispatchIdleMS: 1, EngineOrchestrationWorkers: 1, EngineActivityWorkers: 1},
			wantErr: true,
		},
		{
			name: "zero workers rejected",
			cfg: Config{
				WorkflowDBURL:              "postgres://localhost/workflow",
				ActivityDefaultMaxAttempts: 1,
				EngineOrchestratorLockMS:   1,
				EngineActivityLockMS:       1,
				EngineDispatchIdleMS:       1,
				EngineOrchestrationWorkers: 0,
				EngineActivityWorkers:      1,
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestEffectiveCMSDBURL(t *testing.T) {
	cfg := Config{WorkflowDBURL: "postgres://localhost/workflow"}
	assert.Equal(t, cfg.WorkflowDBURL, cfg.EffectiveCMSDBURL())

	cfg.CMSDBURL = "postgres://localhost/cms"
	assert.Equal(t, "postgres://localhost/cms", cfg.EffectiveCMSDBURL())
}
