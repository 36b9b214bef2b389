package apperror

import (
	"errors"
	"testing"
)

func TestProgressJSONRendersNegativeCode(t *testing.T) {
	cases := []struct {
		err  *AppError
		want string
	}{
		{Overflow(), `{"progress":-105}`},
		{AdmissionFull(), `{"progress":-24}`},
		{EngineFailure(errors.New("boom")), `{"progress":-5}`},
	}
	for _, c := range cases {
		if got := c.err.ProgressJSON(); got != c.want {
			t.Errorf("got %q, want %q", got, c.want)
		}
	}
}

func TestUnwrapReturnsUnderlyingCause(t *testing.T) {
	cause := errors.New("dial refused")
	err := KVFailure(cause)
	if !errors.Is(err, cause) {
		t.Fatalf("expected errors.Is to find the wrapped cause")
	}
}

func TestErrorStringIncludesCauseWhenPresent(t *testing.T) {
	err := EngineFailure(errors.New("sub-step failed"))
	if err.Error() != "query engine sub-step failed: sub-step failed" {
		t.Fatalf("got %q", err.Error())
	}

	noCause := Overflow()
	if noCause.Error() != "row budget exceeded" {
		t.Fatalf("got %q", noCause.Error())
	}
}
