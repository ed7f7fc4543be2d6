package api

import (
	"context"
	"encoding/json"
)

type createSandboxParams struct{}

type sandboxIDParams struct {
	SandboxID string `json:"sandbox_id"`
}

type runCommandParams struct {
	SandboxID string `json:"sandbox_id"`
	Command   string `json:"command"`
}

type execCodeParams struct {
	SandboxID string `json:"sandbox_id"`
	Language  string `json:"language"`
	Code      string `json:"code"`
}

type fileReadParams struct {
	SandboxID string `json:"sandbox_id"`
	Path      string `json:"path"`
}

type fileWriteParams struct {
	SandboxID string `json:"sandbox_id"`
	Path      string `json:"path"`
	Content   string `json:"content"`
}

func (s *StdioServer) dispatch(req stdioRequest) stdioResponse {
	ctx := context.Background()

	switch req.Method {
	case "create_sandbox":
		id, err := s.service.CreateSandbox(ctx)
		return result(req.ID, map[string]string{"sandbox_id": id}, err)

	case "destroy_sandbox":
		var p sandboxIDParams
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return badParams(req.ID, err)
		}
		err := s.service.DestroySandbox(ctx, p.SandboxID)
		return result(req.ID, map[string]bool{"destroyed": err == nil}, err)

	case "list_sandboxes":
		ids, err := s.service.ListSandboxes(ctx)
		return result(req.ID, map[string]any{"sandboxes": ids}, err)

	case "run_command":
		var p runCommandParams
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return badParams(req.ID, err)
		}
		r, err := s.service.RunCommand(ctx, p.SandboxID, p.Command)
		return result(req.ID, r, err)

	case "execute_code":
		var p execCodeParams
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return badParams(req.ID, err)
		}
		r, err := s.service.ExecuteCode(ctx, p.SandboxID, p.Language, p.Code)
		return result(req.ID, r, err)

	case "read_file":
		var p fileReadParams
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return badParams(req.ID, err)
		}
		content, err := s.service.ReadFile(ctx, p.SandboxID, p.Path)
		return result(req.ID, map[string]string{"content": content}, err)

	case "write_file":
		var p fileWriteParams
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return badParams(req.ID, err)
		}
		err := s.service.WriteFile(ctx, p.SandboxID, p.Path, p.Content)
		return result(req.ID, map[string]bool{"success": err == nil}, err)

	case "list_dir":
		var p fileReadParams
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return badParams(req.ID, err)
		}
		entries, err := s.service.ListDirectory(ctx, p.SandboxID, p.Path)
		return result(req.ID, map[string]any{"entries": entries}, err)

	default:
		return stdioResponse{ID: req.ID, Error: "unknown method: " + req.Method}
	}
}

func result(id int64, v any, err error) stdioResponse {
	if err != nil {
		return stdioResponse{ID: id, Error: err.Error()}
	}
	return stdioResponse{ID: id, Result: v}
}

func badParams(id int64, err error) stdioResponse {
	return stdioResponse{ID: id, Error: "invalid params: " + err.Error()}
}
