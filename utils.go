package snetd

import "fmt"

// JobParams extracts the job authorisation from request params. Both values
// must be non-empty strings.
func JobParams(params map[string]any) (jobAddress, jobSignature string, err error) {
	jobAddress, err = stringParam(params, ParamJobAddress)
	if err != nil {
		return "", "", err
	}
	jobSignature, err = stringParam(params, ParamJobSignature)
	if err != nil {
		return "", "", err
	}
	return jobAddress, jobSignature, nil
}

func stringParam(params map[string]any, name string) (string, error) {
	raw, ok := params[name]
	if !ok || raw == nil {
		return "", NewParameterError(fmt.Sprintf("missing %s", name), nil)
	}
	s, ok := raw.(string)
	if !ok {
		return "", NewParameterError(fmt.Sprintf("%s must be a string", name), nil)
	}
	if s == "" {
		return "", NewParameterError(fmt.Sprintf("%s is required", name), nil)
	}
	return s, nil
}

// StripJobParams returns a copy of params without the job authorisation keys.
func StripJobParams(params map[string]any) map[string]any {
	out := make(map[string]any, len(params))
	for k, v := range params {
		if k == ParamJobAddress || k == ParamJobSignature {
			continue
		}
		out[k] = v
	}
	return out
}
