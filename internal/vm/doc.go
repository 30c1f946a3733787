/*
Package vm is the translation-table engine: construction, mutation and
walking of 4-level translation tables, the recursive self-mapping, and the
switch from one root to another.

# Tables

A table is 512 naturally-aligned 64-bit entries resident in physical
memory. Virtual addresses are 48 bits: four 9-bit indices select an entry
at each level and the low 12 bits are the page offset. Level 3 holds 4KiB
terminal mappings; levels 2 and 1 may hold 2MiB and 1GiB blocks instead of
pointers to the next table.

# Recursive mapping

The root's last entry always points back at the root itself. Installing
that one self-reference makes every table in the tree addressable through
ordinary translation: RecursiveTableAddr builds the virtual address at
which the table governing an address at a given level appears. When a tree
that is not currently active must be edited, MapTo temporarily points the
active root's recursive slot at the target tree, does the walk, and
restores the slot, with translation-cache invalidations on both edges.

# Architectures

The engine is neutral across the three supported instruction-set families;
an Arch value supplies the entry encoding. AArch64 encodes ARMv8-A stage-1
descriptors, RiscV64 encodes Sv48, and AMD64 encodes x86-64 4-level
paging. Templates for the kernel's mapping classes (RWKernelData,
ROKernelData, ROKernelText, ROKernelDevice) are built per-arch from the
same semantic fields.

The engine allocates table frames through an injected allocator function
and performs all hardware effects (base-register writes, invalidations,
barriers, interrupt masking) through the machine it drives, which is what
lets the whole thing run and be tested in simulation.
*/
package vm
