// Package workergrpc is the api to worker status contract: a unary status lookup
// and a server stream of progress snapshots, carried over gRPC with a JSON codec.
package workergrpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/status"
)

const (
	// ServiceName is the fully qualified gRPC service name.
	ServiceName = "swot.v1.WorkerStatus"
	// jsonCodecName is the registered gRPC content subtype for JSON payloads.
	jsonCodecName = "json"
)

// GetJobStatusRequest asks the worker for one job's latest status.
type GetJobStatusRequest struct {
	JobID string `json:"job_id"`
}

// SubscribeJobProgressRequest starts a progress stream for one job.
type SubscribeJobProgressRequest struct {
	JobID          string `json:"job_id"`
	PollIntervalMS int32  `json:"poll_interval_ms,omitempty"`
}

// JobStatusReply is one status snapshot.
type JobStatusReply struct {
	JobID           string `json:"job_id"`
	State           string `json:"state"`
	ProgressPercent int32  `json:"progress_percent"`
	Message         string `json:"message"`
	Timestamp       string `json:"timestamp"`
}

// WorkerStatusClient is the client side of the service.
type WorkerStatusClient interface {
	GetJobStatus(ctx context.Context, in *GetJobStatusRequest, opts ...grpc.CallOption) (*JobStatusReply, error)
	SubscribeJobProgress(ctx context.Context, in *SubscribeJobProgressRequest, opts ...grpc.CallOption) (WorkerStatus_SubscribeJobProgressClient, error)
}

// WorkerStatusServer is implemented by the worker.
type WorkerStatusServer interface {
	GetJobStatus(context.Context, *GetJobStatusRequest) (*JobStatusReply, error)
	SubscribeJobProgress(*SubscribeJobProgressRequest, WorkerStatus_SubscribeJobProgressServer) error
}

// WorkerStatus_SubscribeJobProgressClient receives stream frames.
type WorkerStatus_SubscribeJobProgressClient interface {
	Recv() (*JobStatusReply, error)
	grpc.ClientStream
}

// WorkerStatus_SubscribeJobProgressServer sends stream frames.
type WorkerStatus_SubscribeJobProgressServer interface {
	Send(*JobStatusReply) error
	grpc.ServerStream
}

// UnimplementedWorkerStatusServer answers every call with codes.Unimplemented.
type UnimplementedWorkerStatusServer struct{}

// GetJobStatus is not implemented.
func (UnimplementedWorkerStatusServer) GetJobStatus(context.Context, *GetJobStatusRequest) (*JobStatusReply, error) {
	return nil, status.Errorf(codes.Unimplemented, "method GetJobStatus not implemented")
}

// SubscribeJobProgress is not implemented.
func (UnimplementedWorkerStatusServer) SubscribeJobProgress(*SubscribeJobProgressRequest, WorkerStatus_SubscribeJobProgressServer) error {
	return status.Errorf(codes.Unimplemented, "method SubscribeJobProgress not implemented")
}

// NewWorkerStatusClient builds a typed client around cc.
func NewWorkerStatusClient(cc grpc.ClientConnInterface) WorkerStatusClient {
	return &workerStatusClient{cc: cc}
}

type workerStatusClient struct {
	cc grpc.ClientConnInterface
}

func (c *workerStatusClient) GetJobStatus(ctx context.Context, in *GetJobStatusRequest, opts ...grpc.CallOption) (*JobStatusReply, error) {
	out := new(JobStatusReply)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/GetJobStatus", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *workerStatusClient) SubscribeJobProgress(ctx context.Context, in *SubscribeJobProgressRequest, opts ...grpc.CallOption) (WorkerStatus_SubscribeJobProgressClient, error) {
	stream, err := c.cc.NewStream(ctx, &WorkerStatus_ServiceDesc.Streams[0], "/"+ServiceName+"/SubscribeJobProgress", opts...)
	if err != nil {
		return nil, err
	}
	x := &subscribeClient{ClientStream: stream}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}

type subscribeClient struct {
	grpc.ClientStream
}

func (x *subscribeClient) Recv() (*JobStatusReply, error) {
	m := new(JobStatusReply)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// RegisterWorkerStatusServer binds srv to s.
func RegisterWorkerStatusServer(s grpc.ServiceRegistrar, srv WorkerStatusServer) {
	s.RegisterService(&WorkerStatus_ServiceDesc, srv)
}

// WorkerStatus_ServiceDesc describes the service for manual registration.
var WorkerStatus_ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*WorkerStatusServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "GetJobStatus",
			Handler:    getJobStatusHandler,
		},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "SubscribeJobProgress",
			Handler:       subscribeJobProgressHandler,
			ServerStreams: true,
		},
	},
	Metadata: "swot/v1/worker_status.proto",
}

func getJobStatusHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(GetJobStatusRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(WorkerStatusServer).GetJobStatus(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: "/" + ServiceName + "/GetJobStatus",
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(WorkerStatusServer).GetJobStatus(ctx, req.(*GetJobStatusRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func subscribeJobProgressHandler(srv interface{}, stream grpc.ServerStream) error {
	m := new(SubscribeJobProgressRequest)
	if err := stream.RecvMsg(m); err != nil {
		return err
	}
	return srv.(WorkerStatusServer).SubscribeJobProgress(m, &subscribeServer{ServerStream: stream})
}

type subscribeServer struct {
	grpc.ServerStream
}

func (x *subscribeServer) Send(m *JobStatusReply) error {
	return x.ServerStream.SendMsg(m)
}

// CallOptions returns the call options selecting the JSON codec.
func CallOptions() []grpc.CallOption {
	return []grpc.CallOption{
		grpc.CallContentSubtype(jsonCodecName),
		grpc.ForceCodec(jsonCodec{}),
	}
}

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

type jsonCodec struct{}

func (jsonCodec) Name() string {
	return jsonCodecName
}

func (jsonCodec) Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(v); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("multiple JSON values are not allowed")
	}
	return nil
}
