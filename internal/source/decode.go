package source

import (
	"fmt"

	"github.com/ethereum/go-ethereum/core/types"
)

// DecodeLog matches log against the source's ABI by topic0 and unpacks its
// arguments into a map, returning the matched event name alongside. It
// applies FilterConfig itself: a log that the filter excludes yields its
// event name with a nil payload and a nil error. Callers use the event name
// to pick the handler to dispatch to.
func (s Source) DecodeLog(log types.Log) (eventName string, payload map[string]any, err error) {
	if len(log.Topics) == 0 {
		return "", nil, fmt.Errorf("source %s: log has no topics", s.Name)
	}

	abiEvent, err := s.ABI.EventByID(log.Topics[0])
	if err != nil {
		return "", nil, fmt.Errorf("source %s: no matching abi event for topic %s: %w", s.Name, log.Topics[0].Hex(), err)
	}

	values := make(map[string]any)
	if err := s.ABI.UnpackIntoMap(values, abiEvent.Name, log.Data); err != nil {
		return "", nil, fmt.Errorf("source %s: unpack event %s: %w", s.Name, abiEvent.Name, err)
	}

	indexed := 0
	for _, input := range abiEvent.Inputs {
		if !input.Indexed {
			continue
		}
		indexed++
		if indexed >= len(log.Topics) {
			break
		}
		values[input.Name] = log.Topics[indexed]
	}

	if s.FilterConfig != nil && s.FilterConfig.Event != "" && s.FilterConfig.Event != abiEvent.Name {
		return abiEvent.Name, nil, nil
	}
	if s.FilterConfig != nil {
		for field, allowed := range s.FilterConfig.Args {
			val, ok := values[field]
			if !ok {
				continue
			}
			if !containsValue(allowed, val) {
				return abiEvent.Name, nil, nil
			}
		}
	}

	return abiEvent.Name, values, nil
}

func containsValue(allowed []any, val any) bool {
	for _, a := range allowed {
		if fmt.Sprintf("%v", a) == fmt.Sprintf("%v", val) {
			return true
		}
	}
	return false
}
