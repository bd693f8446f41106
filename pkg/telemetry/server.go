// Package telemetry streams the simulated fabric's flow tables over gNMI.
package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	pb "github.com/openconfig/gnmi/proto/gnmi"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/openconfig/spf-simulator/pkg/api"
	"github.com/openconfig/spf-simulator/pkg/fib"
)

const gnmiVersion = "0.10.0"

// GNMIServer implements the gNMI service.
type GNMIServer struct {
	pb.UnimplementedGNMIServer

	fabric  *fib.Fabric
	updates <-chan api.RuleUpdate
	log     *slog.Logger

	mu           sync.RWMutex
	subscribers  map[int64]chan api.RuleUpdate
	subIDCounter int64
}

// New creates a new GNMIServer. Start must run for subscribers to receive
// updates.
func New(f *fib.Fabric, updates <-chan api.RuleUpdate, log *slog.Logger) *GNMIServer {
	if log == nil {
		log = slog.Default()
	}
	return &GNMIServer{
		fabric:      f,
		updates:     updates,
		log:         log.With("component", "telemetry"),
		subscribers: make(map[int64]chan api.RuleUpdate),
	}
}

// Start fans fabric updates out to subscribers until the update channel is
// closed or ctx is done.
func (s *GNMIServer) Start(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case u, ok := <-s.updates:
			if !ok {
				return nil
			}
			s.broadcast(u)
		}
	}
}

func (s *GNMIServer) broadcast(u api.RuleUpdate) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for id, ch := range s.subscribers {
		// Slow consumers lose updates instead of stalling the fabric.
		select {
		case ch <- u:
		default:
			s.log.Warn("dropping update for slow subscriber", "subscriber", id, "rule", u.Rule)
		}
	}
}

// Capabilities implements the gNMI Capabilities RPC.
func (s *GNMIServer) Capabilities(context.Context, *pb.CapabilityRequest) (*pb.CapabilityResponse, error) {
	return &pb.CapabilityResponse{
		SupportedEncodings: []pb.Encoding{pb.Encoding_JSON},
		GNMIVersion:        gnmiVersion,
	}, nil
}

// Subscribe implements the gNMI Subscribe RPC. STREAM subscriptions receive
// the current rules, a sync marker and then every change. ONCE subscriptions
// end after the sync marker.
func (s *GNMIServer) Subscribe(stream pb.GNMI_SubscribeServer) error {
	req, err := stream.Recv()
	if err != nil {
		return err
	}

	mode := req.GetSubscribe().GetMode()
	if mode == pb.SubscriptionList_ONCE {
		return s.sendSnapshot(stream)
	}
	if mode != pb.SubscriptionList_STREAM {
		return status.Errorf(codes.Unimplemented, "subscription mode %s is not supported", mode)
	}

	subChan := make(chan api.RuleUpdate, 100)
	s.mu.Lock()
	s.subIDCounter++
	id := s.subIDCounter
	s.subscribers[id] = subChan
	s.mu.Unlock()
	s.log.Info("subscriber connected", "subscriber", id)

	defer func() {
		s.mu.Lock()
		delete(s.subscribers, id)
		close(subChan)
		s.mu.Unlock()
		s.log.Info("subscriber disconnected", "subscriber", id)
	}()

	if err := s.sendSnapshot(stream); err != nil {
		return err
	}

	for {
		select {
		case update := <-subChan:
			if err := send(stream, update); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return nil
		}
	}
}

func (s *GNMIServer) sendSnapshot(stream pb.GNMI_SubscribeServer) error {
	for _, update := range s.fabric.GetSnapshot() {
		if err := send(stream, update); err != nil {
			return err
		}
	}
	return stream.Send(&pb.SubscribeResponse{
		Response: &pb.SubscribeResponse_SyncResponse{SyncResponse: true},
	})
}

func send(stream pb.GNMI_SubscribeServer, update api.RuleUpdate) error {
	return stream.Send(&pb.SubscribeResponse{
		Response: &pb.SubscribeResponse_Update{Update: ruleToNotification(update)},
	})
}

// RulePath returns the path of a rule's output leaf:
// /switches/switch[id=...]/tables/table[id=...]/rules/rule[priority=...][match=...]/state/output
func RulePath(r api.Rule) *pb.Path {
	return &pb.Path{
		Elem: []*pb.PathElem{
			{Name: "switches"},
			{Name: "switch", Key: map[string]string{"id": r.Switch.String()}},
			{Name: "tables"},
			{Name: "table", Key: map[string]string{"id": strconv.Itoa(int(r.TableID))}},
			{Name: "rules"},
			{Name: "rule", Key: map[string]string{
				"priority": strconv.Itoa(int(r.Priority)),
				"match":    r.Match.Key(),
			}},
			{Name: "state"},
			{Name: "output"},
		},
	}
}

func ruleToNotification(update api.RuleUpdate) *pb.Notification {
	ts := time.Now().UnixNano()
	path := RulePath(update.Rule)

	if update.Action == api.Delete {
		return &pb.Notification{
			Timestamp: ts,
			Delete:    []*pb.Path{path},
		}
	}

	return &pb.Notification{
		Timestamp: ts,
		Update: []*pb.Update{
			{
				Path: path,
				Val:  outputValue(update.Rule.Actions),
			},
		},
	}
}

// outputValue is the egress port for single-output rules and the action list
// otherwise.
func outputValue(actions []api.Action) *pb.TypedValue {
	if len(actions) == 1 && actions[0].Kind == api.Output {
		return &pb.TypedValue{Value: &pb.TypedValue_UintVal{UintVal: uint64(actions[0].Port)}}
	}
	return &pb.TypedValue{Value: &pb.TypedValue_StringVal{StringVal: fmt.Sprint(actions)}}
}
