/*
# tera: a range-partitioned wide-column table service

tera manages a horizontally partitioned namespace of sorted key-value
tables. Each table is split into tablets - contiguous, non-overlapping key
ranges - which are assigned to, loaded on and served by a fleet of tablet
servers. A single elected master coordinates table lifecycle, tablet
placement, splitting, merging, load balancing, schema evolution and garbage
collection of on-disk files left behind by splits.

## Architecture

A tera cluster has three roles:

  - master: owns the meta table in RAM, drives the tablet lifecycle state
    machine, balances load across tablet servers and reclaims garbage SST
    files across split lineages.
  - tabletserver: loads/unloads/splits/merges tablets on master's orders and
    serves reads/writes/scans against the per-tablet storage engine.
  - client (package client): resolves row keys to serving tablet servers
    through a three-level cache (root -> meta -> user) and batches
    mutations/reads per server.

## Coordination

Master election, tablet-server registration, root-tablet address
publication and safe-mode signalling all go through a pluggable
coordination backend (package common/coordination): ZooKeeper in
production, etcd as an alternative, and an in-memory fake for tests.

## Meta table

The meta table is an ordinary table with a reserved row layout (package
meta): table records sort before tablet records, which sort before user
records. It is bootstrapped like any other table and its own tablet's
address is published at a well-known coordination path (the "root
tablet").

## Non-goals

Multi-region replication, cross-row transactions and secondary indexes are
out of scope; only single-row transactions are supported.
*/
package tera
