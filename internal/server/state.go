package server

import (
	"bytes"
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/itchyny/gojq"
	"github.com/pkg/errors"
)

// handleNetworkState returns the aggregator's view of a single node as
// keyed JSON. An optional ?filter= query applies a jq expression to the
// snapshot, which keeps debugging sessions off of client-side tooling.
func (c *Core) handleNetworkState(ctx *gin.Context) {
	state, err := c.agg.NetworkState(ctx.Param("chain"), ctx.Param("node"))
	if err != nil {
		ctx.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	if filter := ctx.Query("filter"); filter != "" {
		filtered, err := filterState(state, filter)
		if err != nil {
			ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		ctx.Data(http.StatusOK, "application/json", filtered)
		return
	}

	ctx.Data(http.StatusOK, "application/json", state)
}

// filterState runs a jq filter over the state snapshot.
func filterState(state []byte, filter string) ([]byte, error) {
	query, err := gojq.Parse(filter)
	if err != nil {
		return nil, errors.Wrap(err, "parse filter")
	}

	input := make(map[string]interface{})
	if err := json.Unmarshal(state, &input); err != nil {
		return nil, err
	}

	var result bytes.Buffer
	iter := query.Run(input)
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}

		if v == nil {
			continue
		}

		switch vv := v.(type) {
		case error:
			return nil, errors.Wrap(vv, "run filter")
		case string:
			result.WriteString(vv)
		default:
			marshalled, err := json.Marshal(vv)
			if err != nil {
				return nil, errors.Wrap(err, "marshal filter result")
			}
			result.Write(marshalled)
		}
		result.WriteRune('\n')
	}

	return bytes.TrimSuffix(result.Bytes(), []byte("\n")), nil
}
