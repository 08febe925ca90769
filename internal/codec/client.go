package codec

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/danielpatrickdp/cuidado/internal/llm"
	"github.com/danielpatrickdp/cuidado/internal/upstream"
)

// #region service
const (
	embedMethod    = "/adaptive.CodecService/Embed"
	generateMethod = "/adaptive.CodecService/Generate"
)

// CodecService is the RPC surface of the inference sidecar. Requests and
// responses are free-form structs so the sidecar can evolve its fields.
type CodecService interface {
	Embed(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error)
	Generate(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error)
}

type grpcCodecService struct {
	cc grpc.ClientConnInterface
}

func (s *grpcCodecService) Embed(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := s.cc.Invoke(ctx, embedMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *grpcCodecService) Generate(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := s.cc.Invoke(ctx, generateMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// #endregion service

// #region client-struct
// CodecClient wraps the gRPC connection to the inference sidecar. It serves
// as an alternative embedding backend and primary model.
type CodecClient struct {
	conn    *grpc.ClientConn
	client  CodecService
	timeout time.Duration
}

// #endregion client-struct

// #region constructor
// NewCodecClient connects to the inference gRPC server.
func NewCodecClient(addr string) (*CodecClient, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("grpc dial %s: %w", addr, err)
	}
	return &CodecClient{
		conn:   conn,
		client: &grpcCodecService{cc: conn},
	}, nil
}

// NewCodecClientWithService creates a CodecClient with an injected service implementation.
// Used for testing without a real gRPC connection.
func NewCodecClientWithService(svc CodecService) *CodecClient {
	return &CodecClient{client: svc}
}

// WithTimeout sets a per-call deadline.
func (c *CodecClient) WithTimeout(d time.Duration) *CodecClient {
	c.timeout = d
	return c
}

// #endregion constructor

// #region close
// Close shuts down the gRPC connection.
func (c *CodecClient) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// #endregion close

// #region embed
// Embed returns one vector per text, in order.
func (c *CodecClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	ctx, cancel := c.withDeadline(ctx)
	defer cancel()

	items := make([]any, len(texts))
	for i, t := range texts {
		items[i] = t
	}
	req, err := structpb.NewStruct(map[string]any{"texts": items})
	if err != nil {
		return nil, fmt.Errorf("build embed request: %w", err)
	}

	resp, err := c.client.Embed(ctx, req)
	if err != nil {
		return nil, rpcError(ctx, "embed", err)
	}

	field, ok := resp.GetFields()["embeddings"]
	if !ok || field.GetListValue() == nil {
		return nil, upstream.Malformed("codec", "embed", "missing embeddings")
	}
	rows := field.GetListValue().GetValues()
	if len(rows) != len(texts) {
		return nil, upstream.Malformed("codec", "embed",
			fmt.Sprintf("got %d embeddings for %d texts", len(rows), len(texts)))
	}

	out := make([][]float32, len(rows))
	for i, row := range rows {
		list := row.GetListValue()
		if list == nil {
			return nil, upstream.Malformed("codec", "embed", fmt.Sprintf("embedding %d is not a list", i))
		}
		vec := make([]float32, len(list.GetValues()))
		for j, v := range list.GetValues() {
			vec[j] = float32(v.GetNumberValue())
		}
		out[i] = vec
	}
	return out, nil
}

// #endregion embed

// #region generate
// Chat sends the conversation to the sidecar's Generate RPC.
func (c *CodecClient) Chat(ctx context.Context, msgs []llm.Message, opts llm.Options) (string, error) {
	ctx, cancel := c.withDeadline(ctx)
	defer cancel()

	items := make([]any, len(msgs))
	for i, m := range msgs {
		items[i] = map[string]any{"role": m.Role, "content": m.Content}
	}
	req, err := structpb.NewStruct(map[string]any{
		"messages":    items,
		"temperature": opts.Temperature,
		"top_p":       opts.TopP,
	})
	if err != nil {
		return "", fmt.Errorf("build generate request: %w", err)
	}

	resp, err := c.client.Generate(ctx, req)
	if err != nil {
		return "", rpcError(ctx, "generate", err)
	}
	field, ok := resp.GetFields()["text"]
	if !ok {
		return "", upstream.Malformed("codec", "generate", "missing text")
	}
	if _, isString := field.GetKind().(*structpb.Value_StringValue); !isString {
		return "", upstream.Malformed("codec", "generate", "text is not a string")
	}
	return field.GetStringValue(), nil
}

// #endregion generate

// #region helpers
func (c *CodecClient) withDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

func rpcError(ctx context.Context, op string, err error) error {
	wrapped := upstream.FromContext(ctx, "codec", op, err)
	if status.Code(err) == codes.DeadlineExceeded {
		if ue, ok := wrapped.(*upstream.Error); ok {
			ue.Timeout = true
		}
	}
	return wrapped
}

// #endregion helpers
