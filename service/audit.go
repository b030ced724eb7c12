// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package service

import (
	"encoding/json"
	"net/http"

	"github.com/mattermost/mattermost/server/public/shared/mlog"
)

type httpData struct {
	err     string
	code    int
	resData any
}

func newHTTPData() *httpData {
	return &httpData{
		code: http.StatusOK,
	}
}

// httpAudit logs the outcome of an API request and writes its JSON
// response. On failure the body is replaced with the error.
func (s *Service) httpAudit(handler string, data *httpData, w http.ResponseWriter, r *http.Request) {
	fields := append(reqAuditFields(r), mlog.Int("code", data.code))
	status := "success"
	resData := data.resData
	if data.err != "" {
		status = "fail"
		fields = append(fields, mlog.String("error", data.err))
		resData = map[string]string{"error": data.err}
	}
	s.log.Debug(handler, append(fields, mlog.String("status", status))...)

	w.Header().Add("Content-Type", "application/json")
	w.WriteHeader(data.code)
	if err := json.NewEncoder(w).Encode(resData); err != nil {
		s.log.Error("failed to encode data", mlog.Err(err))
	}
}

func reqAuditFields(req *http.Request) []mlog.Field {
	return []mlog.Field{
		mlog.String("remoteAddr", req.RemoteAddr),
		mlog.String("method", req.Method),
		mlog.String("url", req.URL.String()),
		mlog.String("userAgent", req.UserAgent()),
		mlog.String("host", req.Host),
	}
}
