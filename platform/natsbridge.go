package platform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
)

// Subject prefix for gateway request/reply traffic. A platform adapter
// process subscribes here and translates calls into real chat-platform
// API requests.
const gatewaySubjectPrefix = "ticketd.gateway."

// Wire error codes returned by the adapter.
const (
	codeRoomNotFound     = "room_not_found"
	codeCategoryNotFound = "category_not_found"
	codeForbidden        = "forbidden"
	codeUnsupported      = "unsupported"
)

// NATSGateway implements Gateway over NATS request/reply. Each method is
// one request; the adapter on the other side owns the platform session.
type NATSGateway struct {
	nc *nats.Conn
}

// NewNATSGateway wraps an established NATS connection.
func NewNATSGateway(nc *nats.Conn) *NATSGateway {
	return &NATSGateway{nc: nc}
}

type gatewayRequest struct {
	Tenant    string     `json:"tenant,omitempty"`
	Category  string     `json:"category,omitempty"`
	Room      RoomRef    `json:"room,omitempty"`
	Name      string     `json:"name,omitempty"`
	Metadata  string     `json:"metadata,omitempty"`
	User      UserRef    `json:"user,omitempty"`
	Cap       Capability `json:"cap,omitempty"`
	Overrides []Override `json:"overrides,omitempty"`
	Message   *Message   `json:"message,omitempty"`
	Controls  []Control  `json:"controls,omitempty"`
	FileName  string     `json:"file_name,omitempty"`
	FileData  []byte     `json:"file_data,omitempty"`
}

type gatewayReply struct {
	Room    RoomRef          `json:"room,omitempty"`
	Message MessageRef       `json:"message,omitempty"`
	History []HistoryMessage `json:"history,omitempty"`
	URL     string           `json:"url,omitempty"`
	Error   string           `json:"error,omitempty"`
	Code    string           `json:"code,omitempty"`
}

func (g *NATSGateway) call(ctx context.Context, op string, req gatewayRequest) (*gatewayReply, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal gateway request: %w", err)
	}
	msg, err := g.nc.RequestWithContext(ctx, gatewaySubjectPrefix+op, data)
	if err != nil {
		return nil, fmt.Errorf("gateway %s: %w", op, err)
	}
	var reply gatewayReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return nil, fmt.Errorf("decode gateway reply: %w", err)
	}
	if reply.Error != "" {
		return nil, replyError(op, &reply)
	}
	return &reply, nil
}

func replyError(op string, reply *gatewayReply) error {
	var sentinel error
	switch reply.Code {
	case codeRoomNotFound:
		sentinel = ErrRoomNotFound
	case codeCategoryNotFound:
		sentinel = ErrCategoryNotFound
	case codeForbidden:
		sentinel = ErrForbidden
	case codeUnsupported:
		sentinel = ErrUnsupported
	default:
		return fmt.Errorf("gateway %s: %s", op, reply.Error)
	}
	return fmt.Errorf("gateway %s: %w: %s", op, sentinel, reply.Error)
}

func (g *NATSGateway) ResolveCategory(ctx context.Context, tenant, category string) error {
	_, err := g.call(ctx, "resolve_category", gatewayRequest{Tenant: tenant, Category: category})
	return err
}

func (g *NATSGateway) CreateRoom(ctx context.Context, tenant, category, name string, overrides []Override) (RoomRef, error) {
	reply, err := g.call(ctx, "create_room", gatewayRequest{
		Tenant:    tenant,
		Category:  category,
		Name:      name,
		Overrides: overrides,
	})
	if err != nil {
		return "", err
	}
	return reply.Room, nil
}

func (g *NATSGateway) RenameRoom(ctx context.Context, room RoomRef, name string) error {
	_, err := g.call(ctx, "rename_room", gatewayRequest{Room: room, Name: name})
	return err
}

func (g *NATSGateway) DeleteRoom(ctx context.Context, room RoomRef) error {
	_, err := g.call(ctx, "delete_room", gatewayRequest{Room: room})
	return err
}

func (g *NATSGateway) SetRoomMetadata(ctx context.Context, room RoomRef, metadata string) error {
	if len(metadata) > MaxMetadataLen {
		return ErrMetadataTooLong
	}
	_, err := g.call(ctx, "set_room_metadata", gatewayRequest{Room: room, Metadata: metadata})
	return err
}

func (g *NATSGateway) PostMessage(ctx context.Context, room RoomRef, msg Message) (MessageRef, error) {
	reply, err := g.call(ctx, "post_message", gatewayRequest{Room: room, Message: &msg})
	if err != nil {
		return "", err
	}
	return reply.Message, nil
}

func (g *NATSGateway) PostPrompt(ctx context.Context, room RoomRef, msg Message, controls []Control) (MessageRef, error) {
	reply, err := g.call(ctx, "post_prompt", gatewayRequest{Room: room, Message: &msg, Controls: controls})
	if err != nil {
		return "", err
	}
	return reply.Message, nil
}

func (g *NATSGateway) RoomHistory(ctx context.Context, room RoomRef) ([]HistoryMessage, error) {
	reply, err := g.call(ctx, "room_history", gatewayRequest{Room: room})
	if err != nil {
		return nil, err
	}
	return reply.History, nil
}

func (g *NATSGateway) GrantCapability(ctx context.Context, room RoomRef, user UserRef, cap Capability) error {
	_, err := g.call(ctx, "grant_capability", gatewayRequest{Room: room, User: user, Cap: cap})
	return err
}

func (g *NATSGateway) RevokeCapability(ctx context.Context, room RoomRef, user UserRef, cap Capability) error {
	_, err := g.call(ctx, "revoke_capability", gatewayRequest{Room: room, User: user, Cap: cap})
	return err
}

func (g *NATSGateway) UploadFile(ctx context.Context, tenant, filename string, data []byte) (string, error) {
	reply, err := g.call(ctx, "upload_file", gatewayRequest{Tenant: tenant, FileName: filename, FileData: data})
	if err != nil {
		if errors.Is(err, ErrUnsupported) {
			return "", ErrUnsupported
		}
		return "", err
	}
	return reply.URL, nil
}

// CallbackSubject is where the adapter publishes control activations.
const CallbackSubject = "ticketd.callbacks"

// CallbackEvent is the wire form of one control activation.
type CallbackEvent struct {
	ControlID string   `json:"control_id"`
	Room      RoomRef  `json:"room,omitempty"`
	Actor     UserRef  `json:"actor"`
	Roles     []string `json:"roles,omitempty"`
}

// SubscribeCallbacks delivers control activations to handle until the
// subscription is drained.
func (g *NATSGateway) SubscribeCallbacks(handle func(CallbackEvent)) (*nats.Subscription, error) {
	return g.nc.Subscribe(CallbackSubject, func(msg *nats.Msg) {
		var ev CallbackEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			return
		}
		handle(ev)
	})
}
