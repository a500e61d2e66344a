package controlapi

import (
	"encoding/json"
	"fmt"
)

const ServiceName = "agentrelay.v1.SessionService"

const (
	InvokeProcedure        = "/" + ServiceName + "/Invoke"
	GetSessionProcedure    = "/" + ServiceName + "/GetSession"
	CancelSessionProcedure = "/" + ServiceName + "/CancelSession"
	StreamSessionProcedure = "/" + ServiceName + "/StreamSession"
)

// ServicePath is the route prefix of every procedure.
const ServicePath = "/" + ServiceName + "/"

// JSONCodec is the connect codec for the plain Go message types in this
// package. It replaces connect's protobuf JSON codec under the same name.
type JSONCodec struct{}

func (JSONCodec) Name() string {
	return "json"
}

func (JSONCodec) Marshal(msg any) ([]byte, error) {
	return json.Marshal(msg)
}

func (JSONCodec) Unmarshal(data []byte, msg any) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, msg); err != nil {
		return fmt.Errorf("decode %T: %w", msg, err)
	}
	return nil
}
