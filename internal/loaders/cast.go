package loaders

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/dshills/crawltab/pkg/types"
)

// castValue converts v to kind where the conversion is lossless
func castValue(v types.Value, kind types.Kind) (types.Value, error) {
	if v.IsNull() || v.Kind() == kind {
		return v, nil
	}
	switch kind {
	case types.KindFloat:
		switch v.Kind() {
		case types.KindInt:
			return types.Float(float64(v.AsInt())), nil
		case types.KindString:
			f, err := strconv.ParseFloat(strings.TrimSpace(v.AsString()), 64)
			if err == nil {
				return types.Float(f), nil
			}
		}
	case types.KindInt:
		switch v.Kind() {
		case types.KindFloat:
			f := v.AsFloat()
			if f == math.Trunc(f) && !math.IsInf(f, 0) && math.Abs(f) < 1<<53 {
				return types.Int(int64(f)), nil
			}
		case types.KindString:
			i, err := strconv.ParseInt(strings.TrimSpace(v.AsString()), 10, 64)
			if err == nil {
				return types.Int(i), nil
			}
		case types.KindBool:
			if v.AsBool() {
				return types.Int(1), nil
			}
			return types.Int(0), nil
		}
	case types.KindBool:
		if v.Kind() == types.KindString {
			b, err := strconv.ParseBool(strings.TrimSpace(v.AsString()))
			if err == nil {
				return types.Bool(b), nil
			}
		}
	case types.KindString:
		switch v.Kind() {
		case types.KindInt, types.KindFloat, types.KindBool:
			return types.String(v.String()), nil
		case types.KindBytes:
			return types.String(string(v.AsBytes())), nil
		}
	case types.KindBytes:
		if v.Kind() == types.KindString {
			return types.Bytes([]byte(v.AsString())), nil
		}
	}
	return types.Null(), fmt.Errorf("cannot cast %s value %q to %s", v.Kind(), v.String(), kind)
}
