package execution

import (
	"context"
	"encoding/json"

	"github.com/flemzord/snaphost/internal/permission"
	"github.com/flemzord/snaphost/internal/rpc"
)

// ProviderHandler answers the requests a snap sends on its RPC channel.
// req.Origin is the calling snap's ID.
type ProviderHandler interface {
	HandleProviderRequest(ctx context.Context, req rpc.Request) (any, error)
}

// ProviderFunc adapts a function to ProviderHandler.
type ProviderFunc func(ctx context.Context, req rpc.Request) (any, error)

// HandleProviderRequest implements ProviderHandler.
func (f ProviderFunc) HandleProviderRequest(ctx context.Context, req rpc.Request) (any, error) {
	return f(ctx, req)
}

// PermissionProvider routes snap provider requests through the permission
// controller, so every restricted method runs behind its caveat chain with
// the snap as subject.
func PermissionProvider(ctrl *permission.Controller) ProviderHandler {
	return ProviderFunc(func(ctx context.Context, req rpc.Request) (any, error) {
		return ctrl.ExecuteRestrictedMethod(ctx, req.Origin, req)
	})
}

// SetProvider replaces the handler for snap provider requests. Modules use it
// when the provider is built after the service.
func (s *Service) SetProvider(p ProviderHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.provider = p
}

func (s *Service) providerHandler() ProviderHandler {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.provider
}

// serveProvider answers requests on the job's RPC channel until it closes.
// Each request is handled in its own goroutine so a slow method does not
// stall the channel.
func (s *Service) serveProvider(ctx context.Context, j *job) {
	for {
		data, err := j.rpcCh.Read(ctx)
		if err != nil {
			return
		}
		msg, err := rpc.Decode(data)
		if err != nil {
			s.reply(j, rpc.NewErrorResponse(json.RawMessage("null"), err))
			continue
		}
		if !msg.IsRequest() && !msg.IsNotification() {
			s.logger.Debug("execution: dropping non-request on rpc channel", "job_id", j.id)
			continue
		}
		go s.handleProvider(ctx, j, msg)
	}
}

func (s *Service) handleProvider(ctx context.Context, j *job, msg *rpc.Message) {
	req := rpc.Request{Origin: j.snapID, Method: msg.Method, Params: msg.Params}

	var (
		result any
		err    error
	)
	if p := s.providerHandler(); p == nil {
		err = rpc.MethodNotFound(msg.Method)
	} else {
		result, err = p.HandleProviderRequest(ctx, req)
	}

	if msg.IsNotification() {
		if err != nil {
			s.logger.Debug("execution: provider notification failed",
				"snap_id", j.snapID, "method", msg.Method, "error", err)
		}
		return
	}

	if err != nil {
		s.reply(j, rpc.NewErrorResponse(msg.ID, err))
		return
	}
	resp, mErr := rpc.NewResult(msg.ID, result)
	if mErr != nil {
		resp = rpc.NewErrorResponse(msg.ID, rpc.Internal("%s", mErr.Error()))
	}
	s.reply(j, resp)
}

func (s *Service) reply(j *job, msg *rpc.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		s.logger.Error("execution: marshal provider response", "job_id", j.id, "error", err)
		return
	}
	if err := j.rpcCh.Write(data); err != nil {
		s.logger.Debug("execution: write provider response", "job_id", j.id, "error", err)
	}
}
