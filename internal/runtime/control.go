package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cuemby/fleetwright/internal/cloudservice"
	"github.com/cuemby/fleetwright/internal/config"
	"github.com/cuemby/fleetwright/internal/domain"
)

// registerControlHandlers wires the command surface cmd/fleetctl talks
// to over ctlsock, per §6.
func (rt *Runtime) registerControlHandlers() {
	rt.ctl.Register("service.list", func(ctx context.Context, _ json.RawMessage) (any, error) {
		return rt.services.Snapshots(), nil
	})

	rt.ctl.Register("service.start", rt.withServiceName(rt.services.StartByName))
	rt.ctl.Register("service.stop", rt.withServiceName(rt.services.StopByName))
	rt.ctl.Register("service.restart", rt.withServiceName(rt.services.RestartByName))

	rt.ctl.Register("service.delete", func(ctx context.Context, raw json.RawMessage) (any, error) {
		var args serviceNameArgs
		if err := json.Unmarshal(raw, &args); err != nil {
			return nil, err
		}
		return rt.services.DeleteByName(args.Name)
	})

	rt.ctl.Register("service.screen", func(ctx context.Context, raw json.RawMessage) (any, error) {
		var args screenArgs
		if err := json.Unmarshal(raw, &args); err != nil {
			return nil, err
		}
		if err := rt.services.ToggleScreenByName(args.Name, args.CallerChannel, args.On); err != nil {
			return nil, err
		}
		return struct{}{}, nil
	})

	rt.ctl.Register("create.by_task", func(ctx context.Context, raw json.RawMessage) (any, error) {
		var args createByTaskArgs
		if err := json.Unmarshal(raw, &args); err != nil {
			return nil, err
		}
		task, ok, err := config.LoadTask(rt.opts.DataDir, args.TaskName)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("runtime: unknown task %q", args.TaskName)
		}
		created, err := rt.services.CreateByTask(ctx, task, args.Amount, func() []cloudservice.NodeLoad { return rt.load.Candidates(ctx) }, rt.opts.DataDir)
		if err != nil {
			return created, err
		}
		return created, nil
	})

	rt.ctl.Register("config.reload", func(ctx context.Context, _ json.RawMessage) (any, error) {
		cfg, ok, err := config.LoadClusterConfig(rt.opts.DataDir)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("runtime: no cluster config to reload")
		}
		rt.clusterCfg = cfg
		return struct{}{}, nil
	})

	rt.ctl.Register("shutdown", func(ctx context.Context, _ json.RawMessage) (any, error) {
		go rt.Shutdown(context.Background())
		return struct{}{}, nil
	})

	rt.ctl.Register("template.list", func(ctx context.Context, _ json.RawMessage) (any, error) {
		return rt.listTemplates()
	})
	rt.ctl.Register("template.create", rt.withTemplateName(rt.createTemplate))
	rt.ctl.Register("template.delete", rt.withTemplateName(rt.deleteTemplate))
}

type serviceNameArgs struct {
	Name string `json:"name"`
}

type screenArgs struct {
	Name          string `json:"name"`
	CallerChannel string `json:"callerChannel"`
	On            bool   `json:"on"`
}

type createByTaskArgs struct {
	TaskName string `json:"taskName"`
	Amount   int    `json:"amount"`
}

func (rt *Runtime) withServiceName(fn func(ctx context.Context, name, dataDir string) (domain.ServiceInfoSnapshot, error)) func(context.Context, json.RawMessage) (any, error) {
	return func(ctx context.Context, raw json.RawMessage) (any, error) {
		var args serviceNameArgs
		if err := json.Unmarshal(raw, &args); err != nil {
			return nil, err
		}
		return fn(ctx, args.Name, rt.opts.DataDir)
	}
}

type templateNameArgs struct {
	Prefix string `json:"prefix"`
	Name   string `json:"name"`
}

func (rt *Runtime) withTemplateName(fn func(prefix, name string) error) func(context.Context, json.RawMessage) (any, error) {
	return func(ctx context.Context, raw json.RawMessage) (any, error) {
		var args templateNameArgs
		if err := json.Unmarshal(raw, &args); err != nil {
			return nil, err
		}
		if err := fn(args.Prefix, args.Name); err != nil {
			return nil, err
		}
		return struct{}{}, nil
	}
}

func (rt *Runtime) templatesRoot() string {
	return filepath.Join(rt.opts.DataDir, "templates")
}

func (rt *Runtime) listTemplates() ([]string, error) {
	root := rt.templatesRoot()
	var out []string
	prefixes, err := os.ReadDir(root)
	if os.IsNotExist(err) {
		return out, nil
	}
	if err != nil {
		return nil, err
	}
	for _, prefix := range prefixes {
		if !prefix.IsDir() {
			continue
		}
		names, err := os.ReadDir(filepath.Join(root, prefix.Name()))
		if err != nil {
			return nil, err
		}
		for _, name := range names {
			out = append(out, fmt.Sprintf("%s/%s", prefix.Name(), name.Name()))
		}
	}
	return out, nil
}

func (rt *Runtime) createTemplate(prefix, name string) error {
	return os.MkdirAll(filepath.Join(rt.templatesRoot(), prefix, name), 0o755)
}

func (rt *Runtime) deleteTemplate(prefix, name string) error {
	return os.RemoveAll(filepath.Join(rt.templatesRoot(), prefix, name))
}
