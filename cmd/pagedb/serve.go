package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"

	"github.com/pagedb/pagedb/internal/engine"
)

// The server speaks gRPC with a JSON codec and a manually registered
// service descriptor, so no protobuf toolchain is involved. The engine
// stays single-writer: one mutex serializes every RPC onto the one DB.

// jsonCodec marshals gRPC messages as plain JSON.
type jsonCodec struct{}

func (jsonCodec) Name() string                       { return "json" }
func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

type insertRequest struct {
	ID   uint32 `json:"id"`
	Tail []any  `json:"tail"`
}
type insertResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}
type getRequest struct {
	ID uint32 `json:"id"`
}
type getResponse struct {
	Found bool   `json:"found"`
	Tail  []any  `json:"tail,omitempty"`
	Error string `json:"error,omitempty"`
}
type removeRequest struct {
	ID uint32 `json:"id"`
}
type removeResponse struct {
	Found bool   `json:"found"`
	Tail  []any  `json:"tail,omitempty"`
	Error string `json:"error,omitempty"`
}
type syncRequest struct{}
type syncResponse struct {
	OK    bool   `json:"ok"`
	Pages int    `json:"pages"`
	Error string `json:"error,omitempty"`
}

// PageDBServer is the service interface backing the manual descriptor.
type PageDBServer interface {
	Insert(context.Context, *insertRequest) (*insertResponse, error)
	Get(context.Context, *getRequest) (*getResponse, error)
	Remove(context.Context, *removeRequest) (*removeResponse, error)
	Sync(context.Context, *syncRequest) (*syncResponse, error)
}

func registerPageDBServer(s *grpc.Server, srv PageDBServer) {
	s.RegisterService(&grpc.ServiceDesc{
		ServiceName: "pagedb.PageDB",
		HandlerType: (*PageDBServer)(nil),
		Methods: []grpc.MethodDesc{
			{MethodName: "Insert", Handler: _PageDB_Insert_Handler},
			{MethodName: "Get", Handler: _PageDB_Get_Handler},
			{MethodName: "Remove", Handler: _PageDB_Remove_Handler},
			{MethodName: "Sync", Handler: _PageDB_Sync_Handler},
		},
		Streams:  []grpc.StreamDesc{},
		Metadata: "pagedb",
	}, srv)
}

func _PageDB_Insert_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(insertRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(PageDBServer).Insert(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/pagedb.PageDB/Insert"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(PageDBServer).Insert(ctx, req.(*insertRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _PageDB_Get_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(getRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(PageDBServer).Get(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/pagedb.PageDB/Get"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(PageDBServer).Get(ctx, req.(*getRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _PageDB_Remove_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(removeRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(PageDBServer).Remove(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/pagedb.PageDB/Remove"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(PageDBServer).Remove(ctx, req.(*removeRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _PageDB_Sync_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(syncRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(PageDBServer).Sync(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/pagedb.PageDB/Sync"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(PageDBServer).Sync(ctx, req.(*syncRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// ── Server implementation ─────────────────────────────────────────────────

type server struct {
	mu  sync.Mutex
	db  *engine.DB
	log *logrus.Entry
}

func (s *server) Insert(_ context.Context, req *insertRequest) (*insertResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	log := s.log.WithField("req", uuid.NewString())
	tail, err := jsonTail(s.db.Schema(), req.Tail)
	if err == nil {
		err = s.db.Insert(req.ID, tail)
	}
	if err != nil {
		log.WithField("id", req.ID).WithError(err).Warn("insert rejected")
		return &insertResponse{Error: err.Error()}, nil
	}
	log.WithField("id", req.ID).Debug("insert")
	return &insertResponse{OK: true}, nil
}

func (s *server) Get(_ context.Context, req *getRequest) (*getResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tail, ok := s.db.Get(req.ID)
	if !ok {
		return &getResponse{}, nil
	}
	return &getResponse{Found: true, Tail: displayTail(tail)}, nil
}

func (s *server) Remove(_ context.Context, req *removeRequest) (*removeResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tail, ok, err := s.db.Remove(req.ID)
	if err != nil {
		return &removeResponse{Error: err.Error()}, nil
	}
	if !ok {
		return &removeResponse{}, nil
	}
	return &removeResponse{Found: true, Tail: displayTail(tail)}, nil
}

func (s *server) Sync(context.Context, *syncRequest) (*syncResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.db.Sync(); err != nil {
		return &syncResponse{Error: err.Error()}, nil
	}
	return &syncResponse{OK: true, Pages: len(s.db.Pages())}, nil
}

// jsonTail converts JSON-decoded cells (float64, string, bool) into the
// cell values the schema expects.
func jsonTail(schema []engine.Kind, raw []any) ([]any, error) {
	if len(raw) != len(schema)-1 {
		return nil, fmt.Errorf("schema has %d tail cells, got %d", len(schema)-1, len(raw))
	}
	out := make([]any, len(raw))
	for i, v := range raw {
		switch schema[i+1] {
		case engine.KindID, engine.KindU32:
			f, ok := v.(float64)
			if !ok || f < 0 || f != float64(uint32(f)) {
				return nil, fmt.Errorf("cell %d: %v is not a u32", i, v)
			}
			out[i] = uint32(f)
		case engine.KindBytes:
			s, ok := v.(string)
			if !ok {
				return nil, fmt.Errorf("cell %d: %v is not a string", i, v)
			}
			out[i] = []byte(s)
		case engine.KindBool:
			b, ok := v.(bool)
			if !ok {
				return nil, fmt.Errorf("cell %d: %v is not a bool", i, v)
			}
			out[i] = b
		}
	}
	return out, nil
}

// displayTail makes cells JSON-friendly: byte strings become strings.
func displayTail(tail []any) []any {
	out := make([]any, len(tail))
	for i, v := range tail {
		if b, ok := v.([]byte); ok {
			out[i] = string(b)
		} else {
			out[i] = v
		}
	}
	return out
}

// ── Command ───────────────────────────────────────────────────────────────

func newServeCmd() *cobra.Command {
	var (
		listen    string
		syncEvery time.Duration
	)
	cmd := &cobra.Command{
		Use:   "serve [database]",
		Short: "serve the database over gRPC (JSON codec)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openFromFlags(args)
			if err != nil {
				return err
			}
			log := logrus.WithField("component", "serve")
			srv := &server{db: db, log: log}

			if syncEvery > 0 {
				c := cron.New()
				_, err := c.AddFunc("@every "+syncEvery.String(), func() {
					srv.mu.Lock()
					defer srv.mu.Unlock()
					if err := db.Sync(); err != nil {
						log.WithError(err).Error("scheduled sync failed")
					}
				})
				if err != nil {
					db.Close()
					return fmt.Errorf("schedule sync: %w", err)
				}
				c.Start()
				defer c.Stop()
			}

			lis, err := net.Listen("tcp", listen)
			if err != nil {
				db.Close()
				return fmt.Errorf("listen %s: %w", listen, err)
			}
			encoding.RegisterCodec(jsonCodec{})
			gs := grpc.NewServer()
			registerPageDBServer(gs, srv)

			stop := make(chan os.Signal, 1)
			signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
			go func() {
				<-stop
				log.Info("shutting down")
				gs.GracefulStop()
			}()

			log.WithField("addr", listen).Info("serving")
			if err := gs.Serve(lis); err != nil {
				db.Close()
				return err
			}
			return db.Close()
		},
	}
	cmd.Flags().StringVar(&listen, "listen", ":9090", "gRPC listen address")
	cmd.Flags().DurationVar(&syncEvery, "sync-every", 0,
		"fold the WAL into pages on this interval (0 disables)")
	return cmd
}
