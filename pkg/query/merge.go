package query

// Merge composes a model's default filter with a user-supplied filter and
// returns a new filter. The user's where leaves override the default's on a
// deep merge; every other field takes the user's value whenever it was
// provided, including zero values (limit 0, an empty order list). Neither
// input is mutated.
func Merge(defaultFilter, userFilter *Filter) *Filter {
	if defaultFilter == nil && userFilter == nil {
		return &Filter{}
	}
	if defaultFilter == nil {
		return userFilter.clone()
	}
	if userFilter == nil {
		return defaultFilter.clone()
	}

	out := &Filter{}

	switch {
	case defaultFilter.Where != nil && userFilter.Where != nil:
		out.Where = mergeMaps(defaultFilter.Where, userFilter.Where)
	case userFilter.Where != nil:
		out.Where = cloneValue(map[string]interface{}(userFilter.Where)).(map[string]interface{})
	case defaultFilter.Where != nil:
		out.Where = cloneValue(map[string]interface{}(defaultFilter.Where)).(map[string]interface{})
	}

	// Non-where fields: user wins when provided. A nil pointer or nil slice
	// means "absent"; an empty slice is a provided value and overrides.
	out.Limit = pickInt(defaultFilter.Limit, userFilter.Limit)
	out.Offset = pickInt(defaultFilter.Offset, userFilter.Offset)
	out.Skip = pickInt(defaultFilter.Skip, userFilter.Skip)

	if userFilter.Order != nil {
		out.Order = append([]string(nil), userFilter.Order...)
	} else if defaultFilter.Order != nil {
		out.Order = append([]string(nil), defaultFilter.Order...)
	}

	if userFilter.Fields != nil {
		out.Fields = cloneValue(userFilter.Fields)
	} else if defaultFilter.Fields != nil {
		out.Fields = cloneValue(defaultFilter.Fields)
	}

	if userFilter.Include != nil {
		out.Include = cloneValue(userFilter.Include).([]interface{})
	} else if defaultFilter.Include != nil {
		out.Include = cloneValue(defaultFilter.Include).([]interface{})
	}

	return out
}

func pickInt(def, user *int) *int {
	if user != nil {
		v := *user
		return &v
	}
	if def != nil {
		v := *def
		return &v
	}
	return nil
}

func (f *Filter) clone() *Filter {
	if f == nil {
		return &Filter{}
	}
	out := &Filter{
		Limit:  pickInt(nil, f.Limit),
		Offset: pickInt(nil, f.Offset),
		Skip:   pickInt(nil, f.Skip),
	}
	if f.Where != nil {
		out.Where = cloneValue(map[string]interface{}(f.Where)).(map[string]interface{})
	}
	if f.Order != nil {
		out.Order = append([]string(nil), f.Order...)
	}
	if f.Fields != nil {
		out.Fields = cloneValue(f.Fields)
	}
	if f.Include != nil {
		out.Include = cloneValue(f.Include).([]interface{})
	}
	return out
}

// mergeMaps deep-merges src over dst into a fresh map. A key present in src
// with a nil value overrides with null; a key absent from src keeps dst's
// value.
func mergeMaps(dst, src map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(dst)+len(src))
	for k, v := range dst {
		out[k] = cloneValue(v)
	}
	for k, sv := range src {
		dv, ok := out[k]
		if !ok {
			out[k] = cloneValue(sv)
			continue
		}
		out[k] = mergeValues(dv, sv)
	}
	return out
}

func mergeValues(dst, src interface{}) interface{} {
	switch sv := src.(type) {
	case map[string]interface{}:
		if dv, ok := dst.(map[string]interface{}); ok {
			return mergeMaps(dv, sv)
		}
		return cloneValue(sv)
	case Where:
		if dv, ok := dst.(map[string]interface{}); ok {
			return mergeMaps(dv, sv)
		}
		return cloneValue(map[string]interface{}(sv))
	case []interface{}:
		return mergeSlices(dst, sv)
	default:
		// Primitives, including explicit nil, override.
		return cloneValue(src)
	}
}

// mergeSlices merges index-wise: the user's element at index i wins, the
// default's tail beyond the user's length is preserved.
func mergeSlices(dst interface{}, src []interface{}) []interface{} {
	dv, _ := dst.([]interface{})
	n := len(src)
	if len(dv) > n {
		n = len(dv)
	}
	out := make([]interface{}, n)
	for i := 0; i < n; i++ {
		switch {
		case i < len(src) && i < len(dv):
			out[i] = mergeValues(dv[i], src[i])
		case i < len(src):
			out[i] = cloneValue(src[i])
		default:
			out[i] = cloneValue(dv[i])
		}
	}
	return out
}

func cloneValue(v interface{}) interface{} {
	switch tv := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(tv))
		for k, e := range tv {
			out[k] = cloneValue(e)
		}
		return out
	case Where:
		return cloneValue(map[string]interface{}(tv))
	case []interface{}:
		out := make([]interface{}, len(tv))
		for i, e := range tv {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}
