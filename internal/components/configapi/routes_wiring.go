package configapi

import "github.com/go-chi/chi/v5"

// Mount registers every interface/peer/route endpoint under r (spec §6,
// paths relative to /api/v1).
func Mount(r chi.Router, interfaces *InterfaceHandler, peers *PeerHandler, routes *RouteHandler) {
	r.Get("/interfaces", interfaces.HandleList)
	r.Get("/interfaces/{name}", interfaces.HandleGet)
	r.Post("/interfaces/{name}/configure", interfaces.HandleConfigure)

	r.Get("/peers", peers.HandleList)
	r.Post("/peers", peers.HandleCreate)
	r.Get("/peers/{id}", peers.HandleGet)
	r.Put("/peers/{id}", peers.HandleUpdate)
	r.Delete("/peers/{id}", peers.HandleDelete)
	r.Post("/peers/{id}/initiate", peers.HandleInitiate)

	r.Get("/routes", routes.HandleList)
	r.Post("/routes", routes.HandleCreate)
	r.Delete("/routes/{id}", routes.HandleDelete)
}
