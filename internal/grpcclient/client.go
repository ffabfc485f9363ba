package grpcclient

import (
	"bytes"
	"context"
	"encoding/base64"
	"image"
	"image/png"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/structpb"

	apperrors "github.com/sudzxd/live-translator/internal/errors"
	"github.com/sudzxd/live-translator/internal/ocr"
	"github.com/sudzxd/live-translator/internal/resilience"
	"github.com/sudzxd/live-translator/internal/trace"
)

// Client talks to the inference service. It implements both
// ocr.Recognizer and translator.Translator.
type Client struct {
	conn     *grpc.ClientConn
	ocrCB    *resilience.Breaker
	translCB *resilience.Breaker
	retry    resilience.RetryConfig
}

// New creates a client for addr. Extra options are appended to the
// defaults, so tests can supply a custom dialer.
func New(addr string, opts ...grpc.DialOption) (*Client, error) {
	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                DefaultKeepaliveTime,
			Timeout:             DefaultKeepaliveTimeout,
			PermitWithoutStream: true,
		}),
		grpc.WithUnaryInterceptor(trace.UnaryClientInterceptor()),
	}, opts...)

	conn, err := grpc.NewClient(addr, dialOpts...)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ConfigInvalid, "create inference client").
			WithMetadata("addr", addr)
	}

	return &Client{
		conn:     conn,
		ocrCB:    resilience.New("grpc-ocr", resilience.OCRConfig()),
		translCB: resilience.New("grpc-translate", resilience.TranslationConfig()),
		retry:    resilience.DefaultRetryConfig(),
	}, nil
}

// WithRetry replaces the retry policy for every call.
func (c *Client) WithRetry(cfg resilience.RetryConfig) *Client {
	c.retry = cfg
	return c
}

// Close closes the gRPC connection
func (c *Client) Close() error {
	return c.conn.Close()
}

// Recognize sends an image region for OCR.
func (c *Client) Recognize(ctx context.Context, img image.Image) ([]ocr.Span, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, apperrors.Wrap(err, apperrors.InvalidArgument, "encode region")
	}
	req, err := structpb.NewStruct(map[string]any{
		"image":  base64.StdEncoding.EncodeToString(buf.Bytes()),
		"format": ImageFormat,
	})
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.Internal, "build recognize request")
	}

	resp, err := resilience.Guarded(ctx, c.ocrCB, c.retry, func(ctx context.Context) (*structpb.Struct, error) {
		return c.invoke(ctx, MethodRecognize, req)
	})
	if err != nil {
		return nil, err
	}
	return decodeSpans(resp)
}

// Translate sends text for translation.
func (c *Client) Translate(ctx context.Context, text, source, target string) (string, error) {
	req, err := structpb.NewStruct(map[string]any{
		"text":   text,
		"source": source,
		"target": target,
	})
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.InvalidArgument, "build translate request")
	}

	resp, err := resilience.Guarded(ctx, c.translCB, c.retry, func(ctx context.Context) (*structpb.Struct, error) {
		return c.invoke(ctx, MethodTranslate, req)
	})
	if err != nil {
		return "", err
	}
	translated := strings.TrimSpace(resp.GetFields()["translated"].GetStringValue())
	if translated == "" {
		return "", apperrors.New(apperrors.TranslateFailed, "empty translation")
	}
	return translated, nil
}

func (c *Client) invoke(ctx context.Context, method string, req *structpb.Struct) (*structpb.Struct, error) {
	resp := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, method, req, resp); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, apperrors.FromGRPCError(err).WithMetadata("method", method)
	}
	return resp, nil
}

// decodeSpans reads {"spans":[{"text","confidence","bbox":[[x,y],...]}]}.
func decodeSpans(resp *structpb.Struct) ([]ocr.Span, error) {
	values := resp.GetFields()["spans"].GetListValue().GetValues()
	spans := make([]ocr.Span, 0, len(values))
	for _, v := range values {
		f := v.GetStructValue().GetFields()
		text := strings.TrimSpace(f["text"].GetStringValue())
		if text == "" {
			continue
		}
		corners := f["bbox"].GetListValue().GetValues()
		if len(corners) != len(ocr.Quad{}) {
			return nil, apperrors.Newf(apperrors.OCRFailed, "bbox has %d corners", len(corners))
		}
		var q ocr.Quad
		for i, corner := range corners {
			xy := corner.GetListValue().GetValues()
			if len(xy) != 2 {
				return nil, apperrors.New(apperrors.OCRFailed, "malformed bbox corner")
			}
			q[i] = ocr.Point{X: xy[0].GetNumberValue(), Y: xy[1].GetNumberValue()}
		}
		spans = append(spans, ocr.Span{
			Text:       text,
			Confidence: min(max(f["confidence"].GetNumberValue(), 0), 1),
			BBox:       q,
		})
	}
	return spans, nil
}
