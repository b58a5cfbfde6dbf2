package slave

import (
	"context"

	"github.com/bytedance/sonic"
)

var echoJSON = sonic.Config{UseNumber: true, SortMapKeys: true}.Froze()

// EchoHandler returns a JSON object payload without its "op" key. Anything that
// is not a JSON object comes back unchanged.
func EchoHandler(_ context.Context, payload []byte) ([]byte, error) {
	var obj map[string]any
	if err := echoJSON.Unmarshal(payload, &obj); err != nil || obj == nil {
		return payload, nil
	}
	delete(obj, "op")
	return echoJSON.Marshal(obj)
}
