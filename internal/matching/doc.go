// Package matching turns the presence snapshot into the list of travelers a
// user can see and reach out to.
//
// A query runs in four steps:
//
//	records := presence.ListFresh(now - FreshnessWindow, caller)
//	distance := round(haversine(caller, peer), 1 decimal)   // nil when the caller has no fix
//	include  := connected || (distance != nil && distance <= RadiusKm)
//	order    := ascending distance, unknown distances last, stable on fetch order
//
// Distances are compared after rounding to one decimal, so a peer at 5.04 km
// is reported as 5.0 km and stays inside a 5 km radius.
//
// Peers that are not connected to the caller are shown at geohash-cell
// resolution only; exact coordinates are reserved for accepted connections.
package matching
