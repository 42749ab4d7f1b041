package devices

import (
	"context"
	"fmt"
	"strconv"

	"github.com/opd-ai/wasession/store"
	"github.com/opd-ai/wasession/transport"
	"github.com/opd-ai/wasession/wire"
)

// QuerySender sends a query and waits for its response. *transport.Session
// implements it.
type QuerySender interface {
	NewID() string
	Query(ctx context.Context, n wire.Node, opts transport.QueryOptions) (wire.Node, error)
}

// UsyncQuerier resolves device lists with a usync query.
type UsyncQuerier struct {
	Sender QuerySender
}

// QueryDevices implements Querier.
func (q UsyncQuerier) QueryDevices(ctx context.Context, user string) ([]store.Address, error) {
	resp, err := q.Sender.Query(ctx, UsyncNode(q.Sender.NewID(), user), transport.QueryOptions{})
	if err != nil {
		return nil, err
	}
	return ParseUsyncDevices(resp, user)
}

// UsyncNode builds a usync device query for user.
func UsyncNode(sid, user string) wire.Node {
	return wire.Node{
		Tag: "iq",
		Attrs: wire.Attrs{
			{Key: "to", Value: transport.ServerJID},
			{Key: "type", Value: "get"},
			{Key: "xmlns", Value: "usync"},
		},
		Children: []wire.Node{{
			Tag: "usync",
			Attrs: wire.Attrs{
				{Key: "sid", Value: sid},
				{Key: "mode", Value: "query"},
				{Key: "last", Value: "true"},
				{Key: "index", Value: "0"},
				{Key: "context", Value: "message"},
			},
			Children: []wire.Node{
				{Tag: "query", Children: []wire.Node{{
					Tag:   "devices",
					Attrs: wire.Attrs{{Key: "version", Value: "2"}},
				}}},
				{Tag: "list", Children: []wire.Node{{
					Tag:   "user",
					Attrs: wire.Attrs{{Key: "jid", Value: user}},
				}}},
			},
		}},
	}
}

// ParseUsyncDevices extracts the device list of user from a usync result.
func ParseUsyncDevices(resp wire.Node, user string) ([]store.Address, error) {
	if t := resp.Attrs.String("type"); t == "error" {
		return nil, fmt.Errorf("usync query failed: %s", resp)
	}
	list, ok := resp.Path("usync", "list")
	if !ok {
		return nil, fmt.Errorf("usync response has no list")
	}
	for _, u := range list.ChildrenByTag("user") {
		if u.Attrs.String("jid") != user {
			continue
		}
		dl, ok := u.Path("devices", "device-list")
		if !ok {
			return nil, fmt.Errorf("usync response has no device list for %s", user)
		}
		var out []store.Address
		for _, d := range dl.ChildrenByTag("device") {
			id, err := strconv.ParseUint(d.Attrs.String("id"), 10, 16)
			if err != nil {
				return nil, fmt.Errorf("invalid device id %q: %w", d.Attrs.String("id"), err)
			}
			out = append(out, store.Address{User: user, Device: uint16(id)})
		}
		return out, nil
	}
	return nil, fmt.Errorf("usync response has no entry for %s", user)
}
