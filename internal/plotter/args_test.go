package plotter

import (
	"reflect"
	"testing"

	"github.com/penplot/axispool/internal/job"
)

func TestBuildArgs(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		cli    []string
		params job.Parameters
		want   []string
	}{
		{
			name:   "defaults",
			cli:    []string{"axicli"},
			params: job.DefaultParameters(),
			want: []string{
				"axicli",
				"--speed_pendown", "25",
				"--pen_delay_up", "150",
				"--pen_delay_down", "150",
				"/u/a.svg",
			},
		},
		{
			name: "layers and preview",
			cli:  []string{"python", "-m", "axicli"},
			params: job.Parameters{
				Layers:         "1,3",
				Speed:          80,
				Preview:        true,
				TimeoutSeconds: 3600,
			},
			want: []string{
				"python", "-m", "axicli",
				"--layer", "1,3",
				"--speed_pendown", "80",
				"--preview",
				"/u/a.svg",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := BuildArgs(tt.cli, "/u/a.svg", tt.params)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("BuildArgs = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestProbeArgs(t *testing.T) {
	t.Parallel()

	got := probeArgs([]string{"python", "-m", "axicli"})
	want := []string{"python", "-m", "axicli", "--version"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("probeArgs = %v, want %v", got, want)
	}
}
