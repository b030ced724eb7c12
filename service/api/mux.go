// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package api

import (
	"net/http"
)

type HandleFunc func(http.ResponseWriter, *http.Request)

// RegisterHandleFunc routes requests matching method and path to hf. Other
// methods on the same path get a 405.
func (s *Server) RegisterHandleFunc(method, path string, hf HandleFunc) {
	s.mux.HandleFunc(method+" "+path, hf)
	s.routes = append(s.routes, method+" "+path)
}

// RegisterHandler routes every request on path to handler, regardless of
// method.
func (s *Server) RegisterHandler(path string, handler http.Handler) {
	s.mux.Handle(path, handler)
	s.routes = append(s.routes, path)
}
