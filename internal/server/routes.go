package server

import (
	"net/http"
)

func SetupRoutes(syncHandler *SyncService) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/files/", syncHandler.SyncFile)
	mux.HandleFunc("/batches", syncHandler.RunBatch)
	mux.HandleFunc("/batches/", syncHandler.GetProgress)

	return mux
}
