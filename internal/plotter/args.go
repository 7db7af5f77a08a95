package plotter

import (
	"strconv"

	"github.com/penplot/axispool/internal/job"
)

// BuildArgs translates job parameters into the axicli argument vector. The
// command prefix comes from configuration so deployments can run either the
// installed `axicli` entry point or `python -m axicli`.
func BuildArgs(cli []string, svgPath string, p job.Parameters) []string {
	args := append([]string{}, cli...)

	if p.Layers != "" {
		args = append(args, "--layer", p.Layers)
	}
	if p.Speed > 0 {
		args = append(args, "--speed_pendown", strconv.Itoa(p.Speed))
	}
	if p.PenUpDelay > 0 {
		args = append(args, "--pen_delay_up", strconv.Itoa(p.PenUpDelay))
	}
	if p.PenDownDelay > 0 {
		args = append(args, "--pen_delay_down", strconv.Itoa(p.PenDownDelay))
	}
	if p.Preview {
		args = append(args, "--preview")
	}

	args = append(args, svgPath)
	return args
}

// probeArgs is the argument vector for the non-destructive connectivity
// check.
func probeArgs(cli []string) []string {
	return append(append([]string{}, cli...), "--version")
}
