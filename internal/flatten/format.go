package flatten

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/JonMunkholm/blobconv/internal/codec"
	"github.com/JonMunkholm/blobconv/internal/typedesc"
)

// DateLayout is the output format for date values.
const DateLayout = "2006-01-02 15:04:05.000"

// ListSeparator joins the elements of scalar lists.
const ListSeparator = ";"

// FormatValue renders a decoded value for a column of the given field.
// Missing values render empty.
func FormatValue(v any, field typedesc.Field) (string, error) {
	if v == nil {
		return "", nil
	}

	if field.Kind == typedesc.KindScalarList {
		list, ok := v.([]any)
		if !ok {
			return "", fmt.Errorf("value is %T, want list", v)
		}
		parts := make([]string, 0, len(list))
		for _, elem := range list {
			s, err := formatScalar(elem, field.Type)
			if err != nil {
				return "", err
			}
			parts = append(parts, s)
		}
		return strings.Join(parts, ListSeparator), nil
	}

	return formatScalar(v, field.Type)
}

func formatScalar(v any, typ string) (string, error) {
	if typedesc.IsDateType(typ) {
		return formatDate(v)
	}

	switch x := v.(type) {
	case nil:
		return "", nil
	case string:
		return x, nil
	case bool:
		return strconv.FormatBool(x), nil
	case int64:
		return strconv.FormatInt(x, 10), nil
	case int:
		return strconv.Itoa(x), nil
	case uint64:
		return strconv.FormatUint(x, 10), nil
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), nil
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32), nil
	case json.Number:
		return x.String(), nil
	case time.Time:
		return x.UTC().Format(DateLayout), nil
	default:
		return fmt.Sprint(x), nil
	}
}

func formatDate(v any) (string, error) {
	switch x := v.(type) {
	case nil:
		return "", nil
	case time.Time:
		return x.UTC().Format(DateLayout), nil
	case string:
		if strings.TrimSpace(x) == "" {
			return "", nil
		}
		t, err := codec.ParseTime(x)
		if err != nil {
			return "", err
		}
		return t.UTC().Format(DateLayout), nil
	default:
		return "", fmt.Errorf("value is %T, want date", v)
	}
}
