package main

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/pm3/pm3/internal/protocol"
)

// renderResponse prints a response for humans, or as its JSON frame when
// --json is set. Error responses yield a non-nil error so the process
// exits nonzero.
func renderResponse(opts *cliOptions, response protocol.Response) error {
	if opts.json {
		encoded, err := protocol.EncodeResponse(response)
		if err != nil {
			return err
		}
		os.Stdout.Write(encoded)
		if _, isErr := response.(*protocol.ErrorResponse); isErr {
			return errors.New("daemon reported an error")
		}
		return nil
	}

	switch resp := response.(type) {
	case *protocol.SuccessResponse:
		if resp.Message != "" {
			fmt.Println(resp.Message)
		} else {
			fmt.Println("ok")
		}
	case *protocol.ErrorResponse:
		fmt.Fprintf(os.Stderr, "error: %s\n", resp.Message)
		return errors.New(resp.Message)
	case *protocol.ProcessListResponse:
		renderList(resp.Processes)
	case *protocol.ProcessDetailResponse:
		renderDetail(&resp.Info)
	case *protocol.LogLineResponse:
		if resp.Name != "" {
			fmt.Printf("[%s] %s\n", resp.Name, resp.Line)
		} else {
			fmt.Println(resp.Line)
		}
	}
	return nil
}

func renderList(processes []protocol.ProcessInfo) {
	w := tabwriter.NewWriter(os.Stdout, 2, 8, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tSTATUS\tPID\tUPTIME\tRESTARTS\tCPU\tMEMORY\tGROUP")
	for _, p := range processes {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
			p.Name,
			p.Status,
			formatPID(p.PID),
			formatUptime(p.Uptime),
			p.Restarts,
			formatCPU(p.CPUPercent),
			formatMemory(p.MemoryBytes),
			p.Group,
		)
	}
	w.Flush()
}

func renderDetail(d *protocol.ProcessDetail) {
	w := tabwriter.NewWriter(os.Stdout, 2, 8, 2, ' ', 0)
	fmt.Fprintf(w, "name\t%s\n", d.Name)
	fmt.Fprintf(w, "status\t%s\n", d.Status)
	fmt.Fprintf(w, "pid\t%s\n", formatPID(d.PID))
	fmt.Fprintf(w, "uptime\t%s\n", formatUptime(d.Uptime))
	fmt.Fprintf(w, "restarts\t%d\n", d.Restarts)
	fmt.Fprintf(w, "command\t%s\n", d.Command)
	if d.Cwd != "" {
		fmt.Fprintf(w, "cwd\t%s\n", d.Cwd)
	}
	if d.Group != "" {
		fmt.Fprintf(w, "group\t%s\n", d.Group)
	}
	if d.HealthCheck != "" {
		fmt.Fprintf(w, "health_check\t%s\n", d.HealthCheck)
	}
	if len(d.DependsOn) > 0 {
		fmt.Fprintf(w, "depends_on\t%v\n", d.DependsOn)
	}
	if d.ExitCode != nil {
		fmt.Fprintf(w, "exit_code\t%d\n", *d.ExitCode)
	}
	fmt.Fprintf(w, "cpu\t%s\n", formatCPU(d.CPUPercent))
	fmt.Fprintf(w, "memory\t%s\n", formatMemory(d.MemoryBytes))
	fmt.Fprintf(w, "stdout_log\t%s\n", d.StdoutLog)
	fmt.Fprintf(w, "stderr_log\t%s\n", d.StderrLog)
	for k, v := range d.Env {
		fmt.Fprintf(w, "env\t%s=%s\n", k, v)
	}
	w.Flush()
}

func formatPID(pid *int) string {
	if pid == nil {
		return "-"
	}
	return fmt.Sprintf("%d", *pid)
}

func formatUptime(secs *uint64) string {
	if secs == nil {
		return "-"
	}
	s := *secs
	switch {
	case s < 60:
		return fmt.Sprintf("%ds", s)
	case s < 3600:
		return fmt.Sprintf("%dm%ds", s/60, s%60)
	default:
		return fmt.Sprintf("%dh%dm", s/3600, (s%3600)/60)
	}
}

func formatCPU(cpu *float64) string {
	if cpu == nil {
		return "-"
	}
	return fmt.Sprintf("%.1f%%", *cpu)
}

func formatMemory(bytes *uint64) string {
	if bytes == nil {
		return "-"
	}
	b := *bytes
	switch {
	case b < 1024:
		return fmt.Sprintf("%dB", b)
	case b < 1024*1024:
		return fmt.Sprintf("%.1fK", float64(b)/1024)
	case b < 1024*1024*1024:
		return fmt.Sprintf("%.1fM", float64(b)/(1024*1024))
	default:
		return fmt.Sprintf("%.1fG", float64(b)/(1024*1024*1024))
	}
}
