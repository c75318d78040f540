package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/gorilla/websocket"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/BetaCatPro/ws-beacon/internal/compression"
	"github.com/BetaCatPro/ws-beacon/internal/errors"
)

// FrameType 帧类型
type FrameType string

const (
	TypeInvoke FrameType = "invoke" // 客户端调用服务端方法
	TypeResult FrameType = "result" // 调用结果
	TypeEvent  FrameType = "event"  // 服务端推送
)

// 客户端可调用的方法
const (
	MethodRegister         = "register"
	MethodUnregister       = "unregister"
	MethodNotifyReconnect  = "notifyReconnect"
	MethodRequestBroadcast = "requestBroadcast"
)

// 服务端推送的事件
const (
	EventHello          = "hello"
	EventBroadcastValue = "broadcastValue"
	EventConnectedAck   = "connectedAck"
)

// 编码名称
const (
	JSON     = "json"
	Protobuf = "protobuf"
)

// Frame 线上帧
type Frame struct {
	Type   FrameType `json:"type"`
	ID     string    `json:"id,omitempty"`
	Target string    `json:"target,omitempty"`
	Args   []string  `json:"args,omitempty"`
	Result string    `json:"result,omitempty"`
	Error  string    `json:"error,omitempty"`
}

// NewInvoke 创建调用帧
func NewInvoke(id, method string, args ...string) *Frame {
	return &Frame{Type: TypeInvoke, ID: id, Target: method, Args: args}
}

// NewResult 创建结果帧，err 非空时只携带错误信息
func NewResult(id, result string, err error) *Frame {
	f := &Frame{Type: TypeResult, ID: id, Result: result}
	if err != nil {
		f.Result = ""
		f.Error = err.Error()
	}
	return f
}

// NewEvent 创建推送帧
func NewEvent(name string, args ...string) *Frame {
	return &Frame{Type: TypeEvent, Target: name, Args: args}
}

// Arg 取第 i 个参数，越界返回空串
func (f *Frame) Arg(i int) string {
	if i < 0 || i >= len(f.Args) {
		return ""
	}
	return f.Args[i]
}

// Validate 基本结构校验
func (f *Frame) Validate() error {
	switch f.Type {
	case TypeInvoke:
		if f.ID == "" || f.Target == "" {
			return fmt.Errorf("%w: invoke needs id and target", errors.ErrInvalidFrame)
		}
	case TypeResult:
		if f.ID == "" {
			return fmt.Errorf("%w: result needs id", errors.ErrInvalidFrame)
		}
	case TypeEvent:
		if f.Target == "" {
			return fmt.Errorf("%w: event needs target", errors.ErrInvalidFrame)
		}
	default:
		return fmt.Errorf("%w: unknown type %q", errors.ErrInvalidFrame, f.Type)
	}
	return nil
}

// Codec 帧编解码接口
type Codec interface {
	Name() string
	Encode(*Frame) ([]byte, error)
	Decode([]byte) (*Frame, error)
}

// JSONCodec JSON编码
type JSONCodec struct{}

func (JSONCodec) Name() string { return JSON }

// Encode 编码为JSON
func (JSONCodec) Encode(f *Frame) ([]byte, error) {
	return json.Marshal(f)
}

// Decode 从JSON解码
func (JSONCodec) Decode(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", errors.ErrProtocolError, err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// ProtobufCodec 以 structpb.Struct 承载帧字段的 Protobuf 编码
type ProtobufCodec struct{}

func (ProtobufCodec) Name() string { return Protobuf }

// Encode 编码为Protobuf
func (ProtobufCodec) Encode(f *Frame) ([]byte, error) {
	fields := map[string]any{"type": string(f.Type)}
	if f.ID != "" {
		fields["id"] = f.ID
	}
	if f.Target != "" {
		fields["target"] = f.Target
	}
	if len(f.Args) > 0 {
		args := make([]any, len(f.Args))
		for i, a := range f.Args {
			args[i] = a
		}
		fields["args"] = args
	}
	if f.Result != "" {
		fields["result"] = f.Result
	}
	if f.Error != "" {
		fields["error"] = f.Error
	}

	s, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errors.ErrProtocolError, err)
	}
	return proto.Marshal(s)
}

// Decode 从Protobuf解码
func (ProtobufCodec) Decode(data []byte) (*Frame, error) {
	var s structpb.Struct
	if err := proto.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("%w: %v", errors.ErrProtocolError, err)
	}

	str := func(key string) string {
		return s.GetFields()[key].GetStringValue()
	}
	f := &Frame{
		Type:   FrameType(str("type")),
		ID:     str("id"),
		Target: str("target"),
		Result: str("result"),
		Error:  str("error"),
	}
	for _, v := range s.GetFields()["args"].GetListValue().GetValues() {
		f.Args = append(f.Args, v.GetStringValue())
	}

	if err := f.Validate(); err != nil {
		return nil, err
	}
	return f, nil
}

// GetCodec 根据名称获取编解码器，空名称按JSON处理
func GetCodec(name string) (Codec, error) {
	switch name {
	case "", JSON:
		return JSONCodec{}, nil
	case Protobuf:
		return ProtobufCodec{}, nil
	default:
		return nil, fmt.Errorf("%w: unknown protocol %q", errors.ErrInvalidConfig, name)
	}
}

// Wire 编码加压缩。不压缩时走文本帧，压缩后走二进制帧
type Wire struct {
	Codec      Codec
	Compressor compression.Compressor
}

// NewWire 按名称组合编解码器和压缩器
func NewWire(protocolName, compressionName string) (*Wire, error) {
	codec, err := GetCodec(protocolName)
	if err != nil {
		return nil, err
	}
	comp, err := compression.Get(compressionName)
	if err != nil {
		return nil, err
	}
	return &Wire{Codec: codec, Compressor: comp}, nil
}

// Marshal 编码帧，返回 websocket 消息类型和数据
func (w *Wire) Marshal(f *Frame) (int, []byte, error) {
	data, err := w.Codec.Encode(f)
	if err != nil {
		return 0, nil, err
	}

	if w.Compressor.Name() == compression.None {
		if w.Codec.Name() == Protobuf {
			return websocket.BinaryMessage, data, nil
		}
		return websocket.TextMessage, data, nil
	}

	packed, err := w.Compressor.Compress(data)
	if err != nil {
		return 0, nil, err
	}
	return websocket.BinaryMessage, packed, nil
}

// Unmarshal 解码一条 websocket 消息
func (w *Wire) Unmarshal(messageType int, data []byte) (*Frame, error) {
	if messageType == websocket.BinaryMessage && w.Compressor.Name() != compression.None {
		unpacked, err := w.Compressor.Decompress(data)
		if err != nil {
			return nil, err
		}
		data = unpacked
	}
	return w.Codec.Decode(data)
}
