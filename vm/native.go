package vm

import (
	"strconv"
	"strings"
)

// Host function library.
//
// Native functions run synchronously inside the instruction loop.
// Arity is validated by the Call instruction before the body runs, so
// implementations can index args directly.

// NativeEntry is one registry entry: the implementation and its arity.
type NativeEntry struct {
	Func  NativeFunc
	Arity int
}

// NativeFunctions returns the builtin registry, name to entry.
func NativeFunctions() map[string]NativeEntry {
	return map[string]NativeEntry{
		// Strings.
		"fable.String.length":      {nativeStringLength, 1},
		"fable.String.toLowerCase": {nativeStringToLower, 1},
		"fable.String.toUpperCase": {nativeStringToUpper, 1},
		"fable.String.trim":        {nativeStringTrim, 1},
		"fable.String.includes":    {nativeStringIncludes, 2},
		"fable.String.startsWith":  {nativeStringStartsWith, 2},
		"fable.String.endsWith":    {nativeStringEndsWith, 2},
		"fable.String.split":       {nativeStringSplit, 2},
		"fable.String.substring":   {nativeStringSubstring, 3},
		"fable.String.replace":     {nativeStringReplace, 3},

		// Arrays.
		"fable.Array.length": {nativeArrayLength, 1},
		"fable.Array.push":   {nativeArrayPush, 2},
		"fable.Array.pop":    {nativeArrayPop, 1},
		"fable.Array.slice":  {nativeArraySlice, 3},

		// Maps.
		"fable.Map.length": {nativeMapLength, 1},
		"fable.Map.has":    {nativeMapHas, 2},
		"fable.Map.keys":   {nativeMapKeys, 1},
		"fable.Map.values": {nativeMapValues, 1},
		"fable.Map.delete": {nativeMapDelete, 2},

		// Media.
		"fable.media.image.from_url":    {nativeMediaFromURL, 1},
		"fable.media.audio.from_url":    {nativeMediaFromURL, 1},
		"fable.media.video.from_url":    {nativeMediaFromURL, 1},
		"fable.media.pdf.from_url":      {nativeMediaFromURL, 1},
		"fable.media.image.from_base64": {nativeMediaFromBase64, 2},
		"fable.media.audio.from_base64": {nativeMediaFromBase64, 2},
		"fable.media.video.from_base64": {nativeMediaFromBase64, 2},
		"fable.media.pdf.from_base64":   {nativeMediaFromBase64, 2},
		"fable.media.is_url":            {nativeMediaIsURL, 1},
		"fable.media.is_base64":         {nativeMediaIsBase64, 1},
		"fable.media.as_url":            {nativeMediaAsURL, 1},
		"fable.media.as_base64":         {nativeMediaAsBase64, 1},
		"fable.media.mime":              {nativeMediaMime, 1},

		// Environment.
		"env.get": {nativeEnvGet, 1},

		// Utility.
		"fable.deep_copy":   {nativeDeepCopy, 1},
		"fable.deep_equals": {nativeDeepEquals, 2},
		"fable.string":      {nativeToString, 1},
	}
}

// RegisterNatives installs the builtin registry into a program.
func RegisterNatives(p *Program) {
	for name, entry := range NativeFunctions() {
		p.AddFunction(&FunctionObject{
			Name:   name,
			Arity:  entry.Arity,
			Kind:   FunctionNative,
			Native: entry.Func,
		})
	}
}

// ---------------------------------------------------------------------------
// Strings
// ---------------------------------------------------------------------------

func nativeStringLength(v *VM, args []Value) (Value, error) {
	s, err := v.objects.AsString(args[0])
	if err != nil {
		return Null, err
	}
	return FromInt(int64(len(s))), nil
}

func nativeStringToLower(v *VM, args []Value) (Value, error) {
	s, err := v.objects.AsString(args[0])
	if err != nil {
		return Null, err
	}
	return v.AllocString(strings.ToLower(s)), nil
}

func nativeStringToUpper(v *VM, args []Value) (Value, error) {
	s, err := v.objects.AsString(args[0])
	if err != nil {
		return Null, err
	}
	return v.AllocString(strings.ToUpper(s)), nil
}

func nativeStringTrim(v *VM, args []Value) (Value, error) {
	s, err := v.objects.AsString(args[0])
	if err != nil {
		return Null, err
	}
	return v.AllocString(strings.TrimSpace(s)), nil
}

func nativeStringIncludes(v *VM, args []Value) (Value, error) {
	s, err := v.objects.AsString(args[0])
	if err != nil {
		return Null, err
	}
	sub, err := v.objects.AsString(args[1])
	if err != nil {
		return Null, err
	}
	return FromBool(strings.Contains(s, sub)), nil
}

func nativeStringStartsWith(v *VM, args []Value) (Value, error) {
	s, err := v.objects.AsString(args[0])
	if err != nil {
		return Null, err
	}
	prefix, err := v.objects.AsString(args[1])
	if err != nil {
		return Null, err
	}
	return FromBool(strings.HasPrefix(s, prefix)), nil
}

func nativeStringEndsWith(v *VM, args []Value) (Value, error) {
	s, err := v.objects.AsString(args[0])
	if err != nil {
		return Null, err
	}
	suffix, err := v.objects.AsString(args[1])
	if err != nil {
		return Null, err
	}
	return FromBool(strings.HasSuffix(s, suffix)), nil
}

func nativeStringSplit(v *VM, args []Value) (Value, error) {
	s, err := v.objects.AsString(args[0])
	if err != nil {
		return Null, err
	}
	sep, err := v.objects.AsString(args[1])
	if err != nil {
		return Null, err
	}

	parts := strings.Split(s, sep)
	elements := make([]Value, len(parts))
	for i, part := range parts {
		elements[i] = v.AllocString(part)
	}
	return v.AllocArray(elements), nil
}

func nativeStringSubstring(v *VM, args []Value) (Value, error) {
	s, err := v.objects.AsString(args[0])
	if err != nil {
		return Null, err
	}
	start, err := intArg(v, args[1])
	if err != nil {
		return Null, err
	}
	end, err := intArg(v, args[2])
	if err != nil {
		return Null, err
	}

	if start < 0 || end < start || end > int64(len(s)) {
		return Null, runtimeFaultf("invalid substring range [%d, %d) for string of length %d", start, end, len(s))
	}
	return v.AllocString(s[start:end]), nil
}

func nativeStringReplace(v *VM, args []Value) (Value, error) {
	s, err := v.objects.AsString(args[0])
	if err != nil {
		return Null, err
	}
	old, err := v.objects.AsString(args[1])
	if err != nil {
		return Null, err
	}
	replacement, err := v.objects.AsString(args[2])
	if err != nil {
		return Null, err
	}
	return v.AllocString(strings.ReplaceAll(s, old, replacement)), nil
}

func intArg(v *VM, arg Value) (int64, error) {
	if !arg.IsInt() {
		return 0, &TypeError{Expected: TypeInt, Got: v.objects.TypeOf(arg)}
	}
	return arg.Int(), nil
}

// ---------------------------------------------------------------------------
// Arrays
// ---------------------------------------------------------------------------

func nativeArrayLength(v *VM, args []Value) (Value, error) {
	array, err := v.objects.AsArray(args[0])
	if err != nil {
		return Null, err
	}
	return FromInt(int64(len(array.Elements))), nil
}

func nativeArrayPush(v *VM, args []Value) (Value, error) {
	array, err := v.objects.AsArray(args[0])
	if err != nil {
		return Null, err
	}
	array.Elements = append(array.Elements, args[1])
	return Null, nil
}

func nativeArrayPop(v *VM, args []Value) (Value, error) {
	array, err := v.objects.AsArray(args[0])
	if err != nil {
		return Null, err
	}
	if len(array.Elements) == 0 {
		return Null, runtimeFaultf("pop from empty array")
	}
	last := array.Elements[len(array.Elements)-1]
	array.Elements = array.Elements[:len(array.Elements)-1]
	return last, nil
}

func nativeArraySlice(v *VM, args []Value) (Value, error) {
	array, err := v.objects.AsArray(args[0])
	if err != nil {
		return Null, err
	}
	start, err := intArg(v, args[1])
	if err != nil {
		return Null, err
	}
	end, err := intArg(v, args[2])
	if err != nil {
		return Null, err
	}

	if start < 0 || end < start || end > int64(len(array.Elements)) {
		return Null, runtimeFaultf("invalid slice range [%d, %d) for array of length %d", start, end, len(array.Elements))
	}

	elements := make([]Value, end-start)
	copy(elements, array.Elements[start:end])
	return v.AllocArray(elements), nil
}

// ---------------------------------------------------------------------------
// Maps
// ---------------------------------------------------------------------------

func nativeMapLength(v *VM, args []Value) (Value, error) {
	m, err := v.objects.AsMap(args[0])
	if err != nil {
		return Null, err
	}
	return FromInt(int64(m.Len())), nil
}

func nativeMapHas(v *VM, args []Value) (Value, error) {
	m, err := v.objects.AsMap(args[0])
	if err != nil {
		return Null, err
	}
	key, err := v.objects.AsString(args[1])
	if err != nil {
		return Null, err
	}
	_, ok := m.Get(key)
	return FromBool(ok), nil
}

func nativeMapKeys(v *VM, args []Value) (Value, error) {
	m, err := v.objects.AsMap(args[0])
	if err != nil {
		return Null, err
	}
	keys := make([]Value, len(m.Keys))
	for i, key := range m.Keys {
		keys[i] = v.AllocString(key)
	}
	return v.AllocArray(keys), nil
}

func nativeMapValues(v *VM, args []Value) (Value, error) {
	m, err := v.objects.AsMap(args[0])
	if err != nil {
		return Null, err
	}
	values := make([]Value, len(m.Keys))
	for i, key := range m.Keys {
		values[i] = m.Entries[key]
	}
	return v.AllocArray(values), nil
}

func nativeMapDelete(v *VM, args []Value) (Value, error) {
	m, err := v.objects.AsMap(args[0])
	if err != nil {
		return Null, err
	}
	key, err := v.objects.AsString(args[1])
	if err != nil {
		return Null, err
	}
	return FromBool(m.Delete(key)), nil
}

// ---------------------------------------------------------------------------
// Media
// ---------------------------------------------------------------------------

func nativeMediaFromURL(v *VM, args []Value) (Value, error) {
	url, err := v.objects.AsString(args[0])
	if err != nil {
		return Null, err
	}
	return v.AllocMedia(&MediaObject{Kind: MediaURL, Content: url}), nil
}

func nativeMediaFromBase64(v *VM, args []Value) (Value, error) {
	data, err := v.objects.AsString(args[0])
	if err != nil {
		return Null, err
	}
	mime, err := v.objects.AsString(args[1])
	if err != nil {
		return Null, err
	}
	return v.AllocMedia(&MediaObject{Kind: MediaBase64, Content: data, MimeType: mime}), nil
}

func mediaArg(v *VM, arg Value) (*MediaObject, error) {
	index, err := v.objects.AsObject(arg, TypeMedia)
	if err != nil {
		return nil, err
	}
	return v.objects.Get(index).(*MediaObject), nil
}

func nativeMediaIsURL(v *VM, args []Value) (Value, error) {
	media, err := mediaArg(v, args[0])
	if err != nil {
		return Null, err
	}
	return FromBool(media.Kind == MediaURL), nil
}

func nativeMediaIsBase64(v *VM, args []Value) (Value, error) {
	media, err := mediaArg(v, args[0])
	if err != nil {
		return Null, err
	}
	return FromBool(media.Kind == MediaBase64), nil
}

func nativeMediaAsURL(v *VM, args []Value) (Value, error) {
	media, err := mediaArg(v, args[0])
	if err != nil {
		return Null, err
	}
	if media.Kind != MediaURL {
		return Null, runtimeFaultf("media is not a URL")
	}
	return v.AllocString(media.Content), nil
}

func nativeMediaAsBase64(v *VM, args []Value) (Value, error) {
	media, err := mediaArg(v, args[0])
	if err != nil {
		return Null, err
	}
	if media.Kind != MediaBase64 {
		return Null, runtimeFaultf("media is not base64")
	}
	return v.AllocString(media.Content), nil
}

func nativeMediaMime(v *VM, args []Value) (Value, error) {
	media, err := mediaArg(v, args[0])
	if err != nil {
		return Null, err
	}
	return v.AllocString(media.MimeType), nil
}

// ---------------------------------------------------------------------------
// Environment
// ---------------------------------------------------------------------------

func nativeEnvGet(v *VM, args []Value) (Value, error) {
	name, err := v.objects.AsString(args[0])
	if err != nil {
		return Null, err
	}
	value, ok := v.Env(name)
	if !ok {
		return Null, runtimeFaultf("environment variable %q is not set", name)
	}
	return v.AllocString(value), nil
}

// ---------------------------------------------------------------------------
// Deep copy
// ---------------------------------------------------------------------------

func nativeDeepCopy(v *VM, args []Value) (Value, error) {
	return v.deepCopy(args[0])
}

// deepCopy copies a value structurally. Cyclic structures are handled
// by inserting an empty placeholder container before descending and
// recording the old -> new mapping.
func (v *VM) deepCopy(value Value) (Value, error) {
	copied := make(map[ObjectIndex]ObjectIndex)
	return v.deepCopyRecursive(value, copied)
}

func (v *VM) deepCopyRecursive(value Value, copied map[ObjectIndex]ObjectIndex) (Value, error) {
	if !value.IsObject() {
		return value, nil
	}

	index := value.Object()
	if existing, ok := copied[index]; ok {
		return FromObject(existing), nil
	}

	var newIndex ObjectIndex

	switch obj := v.objects.Get(index).(type) {
	case *StringObject:
		newIndex = v.objects.Insert(&StringObject{Value: obj.Value})

	case *ArrayObject:
		// Placeholder first so self-references resolve to the copy.
		placeholder := &ArrayObject{}
		newIndex = v.objects.Insert(placeholder)
		copied[index] = newIndex

		elements := make([]Value, len(obj.Elements))
		for i, elem := range obj.Elements {
			copiedElem, err := v.deepCopyRecursive(elem, copied)
			if err != nil {
				return Null, err
			}
			elements[i] = copiedElem
		}
		placeholder.Elements = elements

	case *MapObject:
		placeholder := NewMapObject()
		newIndex = v.objects.Insert(placeholder)
		copied[index] = newIndex

		for _, key := range obj.Keys {
			copiedValue, err := v.deepCopyRecursive(obj.Entries[key], copied)
			if err != nil {
				return Null, err
			}
			placeholder.Set(key, copiedValue)
		}

	case *InstanceObject:
		placeholder := &InstanceObject{Class: obj.Class}
		newIndex = v.objects.Insert(placeholder)
		copied[index] = newIndex

		fields := make([]Value, len(obj.Fields))
		for i, field := range obj.Fields {
			copiedField, err := v.deepCopyRecursive(field, copied)
			if err != nil {
				return Null, err
			}
			fields[i] = copiedField
		}
		placeholder.Fields = fields

	case *VariantObject:
		newIndex = v.objects.Insert(&VariantObject{Enum: obj.Enum, Index: obj.Index})

	case *MediaObject:
		clone := *obj
		newIndex = v.objects.Insert(&clone)

	case *FutureObject:
		clone := *obj
		newIndex = v.objects.Insert(&clone)

	default:
		// Functions, classes, enums and type descriptors are
		// immutable; a new handle to the same payload suffices.
		newIndex = v.objects.Insert(v.objects.Get(index))
	}

	copied[index] = newIndex
	return FromObject(newIndex), nil
}

// ---------------------------------------------------------------------------
// Deep equality
// ---------------------------------------------------------------------------

func nativeDeepEquals(v *VM, args []Value) (Value, error) {
	equal, err := v.deepEquals(args[0], args[1])
	if err != nil {
		return Null, err
	}
	return FromBool(equal), nil
}

type visitedPair struct {
	a, b ObjectIndex
}

// deepEquals compares two values structurally. Visited object pairs
// are assumed equal while their comparison is in progress, which
// terminates on cycles. NaN compares equal to NaN so that repeated
// NaN assignments don't look like changes to the watch diff.
func (v *VM) deepEquals(a, b Value) (bool, error) {
	visited := make(map[visitedPair]bool)
	return v.deepEqualsRecursive(a, b, visited), nil
}

func (v *VM) deepEqualsRecursive(a, b Value, visited map[visitedPair]bool) bool {
	if a.Kind() != b.Kind() {
		return false
	}

	switch a.Kind() {
	case KindNull:
		return true
	case KindBool:
		return a.Bool() == b.Bool()
	case KindInt:
		return a.Int() == b.Int()
	case KindFloat:
		af, bf := a.Float(), b.Float()
		return af == bf || (af != af && bf != bf)
	}

	aIdx, bIdx := a.Object(), b.Object()
	key := visitedPair{a: aIdx, b: bIdx}
	if result, seen := visited[key]; seen {
		return result
	}
	// Assume equal while in progress so cycles terminate.
	visited[key] = true

	aObj, bObj := v.objects.Get(aIdx), v.objects.Get(bIdx)

	result := false
	switch ao := aObj.(type) {
	case *StringObject:
		if bo, ok := bObj.(*StringObject); ok {
			result = ao.Value == bo.Value
		}

	case *ArrayObject:
		if bo, ok := bObj.(*ArrayObject); ok && len(ao.Elements) == len(bo.Elements) {
			result = true
			for i := range ao.Elements {
				if !v.deepEqualsRecursive(ao.Elements[i], bo.Elements[i], visited) {
					result = false
					break
				}
			}
		}

	case *MapObject:
		if bo, ok := bObj.(*MapObject); ok && ao.Len() == bo.Len() {
			result = true
			for _, k := range ao.Keys {
				bv, ok := bo.Get(k)
				if !ok || !v.deepEqualsRecursive(ao.Entries[k], bv, visited) {
					result = false
					break
				}
			}
		}

	case *InstanceObject:
		if bo, ok := bObj.(*InstanceObject); ok && ao.Class == bo.Class && len(ao.Fields) == len(bo.Fields) {
			result = true
			for i := range ao.Fields {
				if !v.deepEqualsRecursive(ao.Fields[i], bo.Fields[i], visited) {
					result = false
					break
				}
			}
		}

	case *VariantObject:
		if bo, ok := bObj.(*VariantObject); ok {
			result = ao.Enum == bo.Enum && ao.Index == bo.Index
		}

	case *EnumObject:
		if bo, ok := bObj.(*EnumObject); ok {
			result = ao.Name == bo.Name
		}

	case *ClassObject:
		if bo, ok := bObj.(*ClassObject); ok {
			result = ao.Name == bo.Name
		}

	case *MediaObject:
		if bo, ok := bObj.(*MediaObject); ok {
			result = *ao == *bo
		}

	case *FunctionObject:
		// Functions compare by identity.
		if _, ok := bObj.(*FunctionObject); ok {
			result = aIdx == bIdx
		}

	case *FutureObject:
		if bo, ok := bObj.(*FutureObject); ok {
			switch {
			case ao.Ready && bo.Ready:
				result = v.deepEqualsRecursive(ao.Result, bo.Result, visited)
			case !ao.Ready && !bo.Ready && ao.Pending != nil && bo.Pending != nil:
				result = ao.Pending.Function == bo.Pending.Function &&
					ao.Pending.Kind == bo.Pending.Kind &&
					len(ao.Pending.Args) == len(bo.Pending.Args)
				if result {
					for i := range ao.Pending.Args {
						if !v.deepEqualsRecursive(ao.Pending.Args[i], bo.Pending.Args[i], visited) {
							result = false
							break
						}
					}
				}
			}
		}

	case *DescriptorObject:
		if bo, ok := bObj.(*DescriptorObject); ok {
			result = ao.Name == bo.Name
		}
	}

	visited[key] = result
	return result
}

// ---------------------------------------------------------------------------
// Formatting
// ---------------------------------------------------------------------------

func nativeToString(v *VM, args []Value) (Value, error) {
	formatted, err := v.FormatValue(args[0])
	if err != nil {
		return Null, err
	}
	return v.AllocString(formatted), nil
}

// FormatValue renders a value for display: scalars inline, containers
// indented, compound objects by name.
func (v *VM) FormatValue(value Value) (string, error) {
	return v.formatValueRecursive(value, 0)
}

func (v *VM) formatValueRecursive(value Value, depth int) (string, error) {
	// Recursion shares the call depth budget with the frame stack.
	if depth >= MaxFrames-len(v.frames) {
		return "", &StackOverflowError{}
	}

	switch value.Kind() {
	case KindNull:
		return "null", nil
	case KindBool:
		if value.Bool() {
			return "true", nil
		}
		return "false", nil
	case KindInt:
		return fmtInt(value.Int()), nil
	case KindFloat:
		return fmtFloat(value.Float()), nil
	}

	indent := strings.Repeat("    ", depth)
	fieldIndent := strings.Repeat("    ", depth+1)

	switch obj := v.objects.Get(value.Object()).(type) {
	case *StringObject:
		return `"` + obj.Value + `"`, nil

	case *ArrayObject:
		var sb strings.Builder
		sb.WriteByte('[')
		for i, elem := range obj.Elements {
			if i > 0 {
				sb.WriteString(", ")
			}
			formatted, err := v.formatValueRecursive(elem, depth+1)
			if err != nil {
				return "", err
			}
			sb.WriteString(formatted)
		}
		sb.WriteByte(']')
		return sb.String(), nil

	case *MapObject:
		var sb strings.Builder
		sb.WriteString("{\n")
		for _, key := range obj.Keys {
			formatted, err := v.formatValueRecursive(obj.Entries[key], depth+1)
			if err != nil {
				return "", err
			}
			sb.WriteString(fieldIndent)
			sb.WriteString(`"` + key + `": `)
			sb.WriteString(formatted)
			sb.WriteByte('\n')
		}
		sb.WriteString(indent)
		sb.WriteByte('}')
		return sb.String(), nil

	case *InstanceObject:
		class, ok := v.objects.Get(obj.Class).(*ClassObject)
		if !ok {
			return "", runtimeFaultf("invalid class reference")
		}

		var sb strings.Builder
		sb.WriteString(class.Name)
		sb.WriteString(" {\n")
		for i, field := range obj.Fields {
			name := fmtFieldName(class.FieldNames, i)
			formatted, err := v.formatValueRecursive(field, depth+1)
			if err != nil {
				return "", err
			}
			sb.WriteString(fieldIndent)
			sb.WriteString(name)
			sb.WriteString(": ")
			sb.WriteString(formatted)
			sb.WriteByte('\n')
		}
		sb.WriteString(indent)
		sb.WriteByte('}')
		return sb.String(), nil

	case *VariantObject:
		enum, ok := v.objects.Get(obj.Enum).(*EnumObject)
		if !ok {
			return "", runtimeFaultf("invalid enum reference")
		}
		if obj.Index < len(enum.VariantNames) {
			return enum.VariantNames[obj.Index], nil
		}
		return fmtFieldName(nil, obj.Index), nil

	case *EnumObject:
		return obj.Name, nil
	case *ClassObject:
		return "<class " + obj.Name + ">", nil
	case *FunctionObject:
		return "<function " + obj.Name + ">", nil
	case *MediaObject:
		return "<media>", nil
	case *FutureObject:
		return "<future>", nil
	case *DescriptorObject:
		return "<type " + obj.Name + ">", nil
	}

	return "", runtimeFaultf("unformattable object")
}

func fmtInt(i int64) string {
	return strconv.FormatInt(i, 10)
}

func fmtFloat(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}

func fmtFieldName(names []string, i int) string {
	if i < len(names) {
		return names[i]
	}
	return "field_" + strconv.Itoa(i)
}
