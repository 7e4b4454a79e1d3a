package server

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/ChuLiYu/trackprobe/pkg/types"
)

// Client 控制服務的客戶端（CLI 使用）
type Client struct {
	cc   grpc.ClientConnInterface
	conn *grpc.ClientConn
}

// Dial 連線到控制服務
func Dial(target string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", target, err)
	}
	return &Client{cc: conn, conn: conn}, nil
}

// NewClient 以既有連線建立客戶端
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Close 關閉由 Dial 建立的連線
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// GetPort 查詢外掛的埠
func (c *Client) GetPort(ctx context.Context, tempID types.TempID) (uint16, error) {
	out := new(wrapperspb.UInt32Value)
	if err := c.cc.Invoke(ctx, MethodGetPort, wrapperspb.String(string(tempID)), out); err != nil {
		return 0, err
	}
	return uint16(out.GetValue()), nil
}

// GetPluginAt 查詢埠上的外掛
func (c *Client) GetPluginAt(ctx context.Context, port uint16) (types.TempID, error) {
	out := new(wrapperspb.StringValue)
	if err := c.cc.Invoke(ctx, MethodGetPluginAt, wrapperspb.UInt32(uint32(port)), out); err != nil {
		return "", err
	}
	return types.TempID(out.GetValue()), nil
}

// ListLeases 列出所有租約
func (c *Client) ListLeases(ctx context.Context) ([]map[string]interface{}, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, MethodListLeases, &emptypb.Empty{}, out); err != nil {
		return nil, err
	}
	raw, _ := out.AsMap()["leases"].([]interface{})
	leases := make([]map[string]interface{}, 0, len(raw))
	for _, item := range raw {
		if m, ok := item.(map[string]interface{}); ok {
			leases = append(leases, m)
		}
	}
	return leases, nil
}

// StartCalibration 在協調器上開始校準
func (c *Client) StartCalibration(ctx context.Context) error {
	return c.cc.Invoke(ctx, MethodStartCalibration, &emptypb.Empty{}, new(emptypb.Empty))
}

// CalibrationStatus 取得校準狀態
func (c *Client) CalibrationStatus(ctx context.Context) (map[string]interface{}, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, MethodCalibrationStatus, &emptypb.Empty{}, out); err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}

// Status 取得協調器狀態
func (c *Client) Status(ctx context.Context) (map[string]interface{}, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, MethodStatus, &emptypb.Empty{}, out); err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}
