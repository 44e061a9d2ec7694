package router

import (
	"errors"
	"fmt"
	"net/http"

	goerrors "github.com/goliatone/go-errors"
)

const msgBodyBadFormat = "Body bad format"

type statusError interface {
	Status() int
}

type statusCodeError interface {
	StatusCode() int
}

// StatusOf picks the response status for err: Status(), then StatusCode(),
// then a go-errors Code, falling back to 500.
func StatusOf(err error) int {
	if err == nil {
		return http.StatusOK
	}

	var withStatus statusError
	if errors.As(err, &withStatus) && validStatus(withStatus.Status()) {
		return withStatus.Status()
	}

	var withStatusCode statusCodeError
	if errors.As(err, &withStatusCode) && validStatus(withStatusCode.StatusCode()) {
		return withStatusCode.StatusCode()
	}

	var rich *goerrors.Error
	if goerrors.As(err, &rich) && validStatus(rich.Code) {
		return rich.Code
	}

	return http.StatusInternalServerError
}

func validStatus(code int) bool {
	return code >= 100 && code <= 599
}

func badRequest(message string) error {
	return goerrors.New(message, goerrors.CategoryBadInput).WithCode(http.StatusBadRequest)
}

func notFound(r *http.Request) error {
	return goerrors.New(fmt.Sprintf("no route for %s %s", r.Method, r.URL.Path), goerrors.CategoryNotFound).
		WithCode(http.StatusNotFound)
}

func tooLarge(limit int64) error {
	return goerrors.New(fmt.Sprintf("request body exceeds %d bytes", limit), goerrors.CategoryBadInput).
		WithCode(http.StatusRequestEntityTooLarge)
}

func panicError(recovered any) error {
	if err, ok := recovered.(error); ok {
		return goerrors.Wrap(err, goerrors.CategoryInternal, "handler panicked").
			WithCode(http.StatusInternalServerError)
	}
	return goerrors.New(fmt.Sprintf("handler panicked: %v", recovered), goerrors.CategoryInternal).
		WithCode(http.StatusInternalServerError)
}
