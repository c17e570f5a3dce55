package flow

import (
	"fmt"
	"time"

	"activeconfig/internal/types"

	"github.com/goccy/go-json"
	"github.com/jmespath/go-jmespath"
)

const compiledPathTTL = 10 * time.Minute

// compiled JMESPath expressions, keyed by source text.
var pathCache = NewTTL[string, *jmespath.JMESPath]()

func compilePath(expression string) (*jmespath.JMESPath, error) {
	if jp, ok := pathCache.Get(expression); ok {
		return jp, nil
	}
	jp, err := jmespath.Compile(expression)
	if err != nil {
		return nil, types.Err(types.ErrInvalidArgument, err, "jmespath %q", expression)
	}
	pathCache.Sweep()
	pathCache.Set(expression, jp, compiledPathTTL)
	return jp, nil
}

// SelectPath treats a Text value as a JSON document and returns the part selected by the
// JMESPath expression. Strings come back as-is, everything else JSON-encoded.
// It returns nil and no error if the expression does not match anything.
func SelectPath(document string, expression string) (*string, error) {
	jp, err := compilePath(expression)
	if err != nil {
		return nil, err
	}
	var doc any
	if err := json.Unmarshal([]byte(document), &doc); err != nil {
		return nil, types.Err(types.ErrInvalidArgument, err, "value is not a JSON document")
	}
	v, err := jp.Search(doc)
	if err != nil {
		return nil, fmt.Errorf("jmespath: %w", err)
	}
	if v == nil {
		return nil, nil
	}
	switch t := v.(type) {
	case string:
		return &t, nil
	default:
		b, _ := json.Marshal(t)
		bs := string(b)
		return &bs, nil
	}
}
