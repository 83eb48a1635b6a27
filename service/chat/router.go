package chat

import (
	"encoding/json"

	"github.com/mitchellh/mapstructure"

	"supportchat/logger"
	"supportchat/tools/errs"
)

// Router classifies inbound frames solely by the destination they arrived on
// and republishes the decoded payload into the registry. A body that fails
// to decode is logged and dropped; the router never stops the frame pump.
type Router struct {
	reg *Registry
}

func NewRouter(reg *Registry) *Router {
	return &Router{reg: reg}
}

func (r *Router) Route(destination string, body []byte) {
	switch destination {
	case DestUserMessages:
		msg, err := decodeMessage(body)
		if err != nil {
			logger.Warnf("router: %v", err)
			return
		}
		r.reg.Publish(EventMessages, msg)
	case TopicAdminChat:
		msg, err := decodeMessage(body)
		if err != nil {
			logger.Warnf("router: %v", err)
			return
		}
		r.reg.Publish(EventAdminBroadcast, msg)
	case DestUserAlerts:
		alert, err := decodeAlert(body)
		if err != nil {
			logger.Warnf("router: %v", err)
			return
		}
		r.reg.Publish(EventAlerts, alert)
	default:
		logger.Warnf("router: frame on unrecognized destination %q dropped", destination)
	}
}

func decodeRecord(body []byte) (map[string]interface{}, error) {
	var raw map[string]interface{}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, errs.Decode(err, "unmarshal frame body")
	}
	return raw, nil
}

func decodeMessage(body []byte) (*ChatMessage, error) {
	raw, err := decodeRecord(body)
	if err != nil {
		return nil, err
	}
	var msg ChatMessage
	if err := decodeInto(raw, &msg); err != nil {
		return nil, errs.Decode(err, "decode chat message")
	}
	if msg.Content == "" && msg.Type == "" {
		return nil, errs.Decodef("body %q is not a chat message", string(body))
	}
	return &msg, nil
}

func decodeAlert(body []byte) (*Alert, error) {
	raw, err := decodeRecord(body)
	if err != nil {
		return nil, err
	}
	var alert Alert
	if err := decodeInto(raw, &alert); err != nil {
		return nil, errs.Decode(err, "decode alert")
	}
	if alert.Message == "" && alert.DeviceID == 0 {
		return nil, errs.Decodef("body %q is not an alert", string(body))
	}
	alert.Read = false // read state is owned by this client
	return &alert, nil
}

func decodeInto(raw map[string]interface{}, out interface{}) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		TagName:          "json",
		WeaklyTypedInput: true,
	})
	if err != nil {
		return err
	}
	return dec.Decode(raw)
}
